package rpc

import (
	"context"
	"fmt"

	"github.com/xfeldman/aegisd/internal/vmadapter"
)

// globalFacade implements the Host/Global class's built-in diagnostic
// methods, grounded on vdsm's Bridge.Host_echo/Host_ping — trivial
// calls kept around chiefly to exercise the dispatcher's own plumbing,
// matching scenarios 1 and 2 of §8.
type globalFacade struct{}

type echoResult struct {
	Logged string `json:"logged"`
}

func (globalFacade) echo(message string) (echoResult, error) {
	return echoResult{Logged: message}, nil
}

func (globalFacade) ping() (interface{}, error) {
	return nil, nil
}

// registerGlobalMethods wires Host.echo and Host.ping into registry,
// under the internal class name Global per the class-alias rule.
func registerGlobalMethods(registry *Registry) {
	registry.Register(&MethodEntry{
		Class:   "Global",
		Method:  "echo",
		AllArgs: []ArgSpec{{Name: "message"}},
		Construct: func(map[string]interface{}) (interface{}, error) {
			return globalFacade{}, nil
		},
		Call: func(facade interface{}, args map[string]interface{}) (interface{}, error) {
			message, _ := args["message"].(string)
			return facade.(globalFacade).echo(message)
		},
		Override: &Override{Extract: Extract{Kind: ExtractField, Field: "logged"}},
	})

	registry.Register(&MethodEntry{
		Class:  "Global",
		Method: "ping",
		Construct: func(map[string]interface{}) (interface{}, error) {
			return globalFacade{}, nil
		},
		Call: func(facade interface{}, args map[string]interface{}) (interface{}, error) {
			return facade.(globalFacade).ping()
		},
	})
}

// vmFacade wraps vmadapter for the handful of VM.* methods the
// composition root needs for startup recovery (§6: "Recovery reads
// every record and schedules a VM.create on the dispatcher for each").
type vmFacade struct {
	adapter *vmadapter.Adapter
	vmID    string
}

func (f vmFacade) create(xmlDesc string) (interface{}, error) {
	handle, err := f.adapter.Define(context.Background(), f.vmID, xmlDesc)
	if err != nil {
		return nil, err
	}
	if err := f.adapter.CreateVM(context.Background(), f.vmID, handle); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (f vmFacade) destroy() (interface{}, error) {
	handle, err := f.adapter.Lookup(context.Background(), f.vmID)
	if err != nil {
		return nil, err
	}
	if err := f.adapter.DestroyVM(context.Background(), f.vmID, handle); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

// RegisterVMMethods wires VM.create and VM.destroy against adapter. The
// composition root calls this once at startup.
func RegisterVMMethods(registry *Registry, adapter *vmadapter.Adapter) {
	registry.Register(&MethodEntry{
		Class:    "VM",
		Method:   "create",
		AllArgs:  []ArgSpec{{Name: "vmID"}, {Name: "xml"}},
		CtorArgs: []string{"vmID"},
		Construct: func(ctor map[string]interface{}) (interface{}, error) {
			vmID, _ := ctor["vmID"].(string)
			if vmID == "" {
				return nil, fmt.Errorf("VM.create: missing vmID")
			}
			return vmFacade{adapter: adapter, vmID: vmID}, nil
		},
		Call: func(facade interface{}, args map[string]interface{}) (interface{}, error) {
			xml, _ := args["xml"].(string)
			return facade.(vmFacade).create(xml)
		},
	})

	registry.Register(&MethodEntry{
		Class:    "VM",
		Method:   "destroy",
		AllArgs:  []ArgSpec{{Name: "vmID"}},
		CtorArgs: []string{"vmID"},
		Construct: func(ctor map[string]interface{}) (interface{}, error) {
			vmID, _ := ctor["vmID"].(string)
			if vmID == "" {
				return nil, fmt.Errorf("VM.destroy: missing vmID")
			}
			return vmFacade{adapter: adapter, vmID: vmID}, nil
		},
		Call: func(facade interface{}, args map[string]interface{}) (interface{}, error) {
			return facade.(vmFacade).destroy()
		},
	})
}

// GuestInfoSource reads back a VM's accumulated Guest-Info Record. A
// small local interface so rpc doesn't need to import guestpoll;
// *guestpoll.Poller satisfies it.
type GuestInfoSource interface {
	GuestInfo(vmID string) map[string]interface{}
}

type guestInfoFacade struct {
	source GuestInfoSource
	vmID   string
}

func (f guestInfoFacade) guestInfo() (interface{}, error) {
	info := f.source.GuestInfo(f.vmID)
	if info == nil {
		return nil, fmt.Errorf("VM.guestInfo: no guest-info record for %q", f.vmID)
	}
	return info, nil
}

// RegisterGuestInfoMethod wires VM.guestInfo against source, exposing
// the Guest-Info Record §4.J's refresh loop accumulates.
func RegisterGuestInfoMethod(registry *Registry, source GuestInfoSource) {
	registry.Register(&MethodEntry{
		Class:    "VM",
		Method:   "guestInfo",
		AllArgs:  []ArgSpec{{Name: "vmID"}},
		CtorArgs: []string{"vmID"},
		Construct: func(ctor map[string]interface{}) (interface{}, error) {
			vmID, _ := ctor["vmID"].(string)
			if vmID == "" {
				return nil, fmt.Errorf("VM.guestInfo: missing vmID")
			}
			return guestInfoFacade{source: source, vmID: vmID}, nil
		},
		Call: func(facade interface{}, args map[string]interface{}) (interface{}, error) {
			return facade.(guestInfoFacade).guestInfo()
		},
	})
}

// NewDefaultRegistry returns a registry pre-populated with the built-in
// Global diagnostic methods. Callers add VM.* and other domain methods
// via RegisterVMMethods and their own registrations.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerGlobalMethods(r)
	return r
}
