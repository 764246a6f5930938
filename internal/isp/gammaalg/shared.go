package gammaalg

import (
	"fmt"
	"plugin"
)

// Default shared module names, tried in this order.
const (
	DefaultCustomModule = "custom_gamma.so"
	DefaultCoreModule   = "./libgamma_core.so"
)

// Module is a loaded shared backend.
type Module interface {
	Lookup(symbol string) (plugin.Symbol, error)
}

// OpenFunc loads the module at path.
type OpenFunc func(path string) (Module, error)

// OpenPlugin loads a Go plugin built with -buildmode=plugin.
func OpenPlugin(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func resolveShared(opts ResolveOptions) *Handle {
	open := opts.Open
	if open == nil {
		open = OpenPlugin
	}
	custom := opts.CustomPath
	if custom == "" {
		custom = DefaultCustomModule
	}
	fallback := opts.DefaultPath
	if fallback == "" {
		fallback = DefaultCoreModule
	}

	path := custom
	mod, err := open(path)
	logger.Infof("try to open custom module %s: %v", path, errString(err))
	if err != nil {
		path = fallback
		mod, err = open(path)
		logger.Infof("try to open core module %s: %v", path, errString(err))
	}
	if err != nil {
		logger.Errorf("load shared backend failed: %v", err)
		return &Handle{source: path}
	}

	h := &Handle{source: path, module: mod}
	h.entry.Init = lookupInit(mod)
	h.entry.Deinit = lookupDeinit(mod)
	h.entry.Process = lookupProcess(mod)
	hasInit, hasProcess, hasDeinit := h.Entries()
	logger.Infof("%s: init: %t, deinit: %t, proc: %t", path, hasInit, hasDeinit, hasProcess)
	return h
}

func lookupInit(mod Module) InitFunc {
	sym, err := mod.Lookup(SymbolInit)
	if err != nil {
		return nil
	}
	switch fn := sym.(type) {
	case func(uint32) any:
		return fn
	case InitFunc:
		return fn
	}
	logger.Errorf("symbol %s has type %T", SymbolInit, sym)
	return nil
}

func lookupProcess(mod Module) ProcessFunc {
	sym, err := mod.Lookup(SymbolProcess)
	if err != nil {
		return nil
	}
	switch fn := sym.(type) {
	case func(any, *Stats, *Input, *Output) error:
		return fn
	case ProcessFunc:
		return fn
	}
	logger.Errorf("symbol %s has type %T", SymbolProcess, sym)
	return nil
}

func lookupDeinit(mod Module) DeinitFunc {
	sym, err := mod.Lookup(SymbolDeinit)
	if err != nil {
		return nil
	}
	switch fn := sym.(type) {
	case func(any) error:
		return fn
	case DeinitFunc:
		return fn
	}
	logger.Errorf("symbol %s has type %T", SymbolDeinit, sym)
	return nil
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return fmt.Sprint(err)
}
