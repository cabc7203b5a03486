package interp

import "github.com/coldvm/coldvm/internal/vmerr"

func stepMonitorenter(vm *VM, t *Thread, f *Frame) (stepOutcome, error) {
	ref := f.PeekOperand(0)
	inst, ok := ref.Ref.(*Instance)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "monitorenter on null reference")
	}
	if vm.Monitors != nil {
		if blocked := vm.Monitors.Enter(t, inst); blocked {
			return stepOutcome{kind: stepBlockMonitor, obj: inst}, nil
		}
	}
	f.PopOperand()
	f.IP++
	return contOutcome, nil
}

func stepMonitorexit(vm *VM, t *Thread, f *Frame) (stepOutcome, error) {
	ref := f.PopOperand()
	inst, ok := ref.Ref.(*Instance)
	if ref.IsNilRef() || !ok {
		return stepOutcome{}, vmerr.New(vmerr.NullPointerException, "monitorexit on null reference")
	}
	if vm.Monitors != nil {
		if err := vm.Monitors.Exit(t, inst); err != nil {
			return stepOutcome{}, err
		}
	}
	f.IP++
	return contOutcome, nil
}
