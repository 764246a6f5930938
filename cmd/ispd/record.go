package main

import (
	"log"
	"sync"

	"github.com/banshee-data/isp-autolevel/internal/db"
	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
)

const actuationBacklog = 64

// actuationRecorder stores the applied gain and black level on every Applied
// report. ReportFlow runs on the loop goroutine and only samples the state;
// the insert happens on a background goroutine.
type actuationRecorder struct {
	state func() actuate.State
	store interface{ RecordActuation(db.Actuation) error }

	ch   chan db.Actuation
	done chan struct{}
	once sync.Once
}

func newActuationRecorder(store interface{ RecordActuation(db.Actuation) error }, state func() actuate.State) *actuationRecorder {
	r := &actuationRecorder{
		state: state,
		store: store,
		ch:    make(chan db.Actuation, actuationBacklog),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *actuationRecorder) ReportFlow(rep flow.Report) {
	if rep.State != flow.Applied {
		return
	}
	a := db.Actuation{FrameID: rep.CurrentID, TrackingID: rep.TrackingID, State: r.state()}
	select {
	case r.ch <- a:
	default:
		log.Printf("actuation log behind, dropping frame %d", rep.CurrentID)
	}
}

func (r *actuationRecorder) run() {
	defer close(r.done)
	for a := range r.ch {
		if err := r.store.RecordActuation(a); err != nil {
			log.Printf("failed to record actuation: %v", err)
		}
	}
}

func (r *actuationRecorder) Close() {
	r.once.Do(func() { close(r.ch) })
	<-r.done
}
