package raw

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/spi"
)

// AsyncStep is the word an asynchronous command is waiting for.
type AsyncStep int

// Async command steps.
const (
	StepCommandHeader AsyncStep = iota
	StepCommandParameters
	StepResponseRequest
	StepDataRequest
)

// AsyncCommandState is the lifecycle of an asynchronous command.
type AsyncCommandState int

// Async command states.
const (
	AsyncPending AsyncCommandState = iota
	AsyncCompleted
)

// AsyncCommand is a command progressed one word per serial interrupt.
type AsyncCommand struct {
	Type   byte
	Params []uint32
	Step   AsyncStep
	State  AsyncCommandState
	Active bool
	Result CommandResult
	// AckFailed is set when the command failed on a line acknowledge
	// rather than on a framing mismatch.
	AckFailed bool

	sentParams     int
	totalResponses int
}

// AsyncCommand returns a copy of the current asynchronous command.
func (w *Wireless) AsyncCommand() AsyncCommand {
	return w.async
}

// IsBusy reports whether an asynchronous command has not finished yet.
func (w *Wireless) IsBusy() bool {
	return w.async.Active
}

// SendCommandAsync starts a command whose words are exchanged from the
// serial interrupt. OnSerial reports when it completes.
func (w *Wireless) SendCommandAsync(cmd byte, params ...uint32) error {
	if w.async.Active {
		return ErrBusy
	}
	if len(params) > MaxCommandTransferLength {
		return ErrTooMuchData
	}
	w.async = AsyncCommand{
		Type:   cmd,
		Params: params,
		Step:   StepCommandHeader,
		State:  AsyncPending,
		Active: true,
	}
	glog.V(3).Infof(">> async 0x%02x %08x", cmd, params)
	w.transferAsync(BuildCommand(cmd, len(params)))
	return nil
}

// OnSerial must be called from the serial interrupt. When the running
// asynchronous command completes during this call, its result is
// returned with done set and the command is released. A failed exchange
// completes with Success false; the caller decides how to recover.
func (w *Wireless) OnSerial() (res CommandResult, done bool) {
	if !w.spi.IsActive() {
		return
	}
	w.spi.OnSerial(true)
	hasNewData := w.spi.AsyncState() == spi.AsyncReady
	newData := w.spi.AsyncData()

	if !w.async.Active || w.async.State != AsyncPending {
		return
	}
	if hasNewData {
		if !w.acknowledge() {
			w.async.AckFailed = true
			w.completeAsync(false)
			return w.releaseAsync()
		}
	} else {
		newData = spi.NoData32
	}

	w.updateAsync(newData)
	if w.async.State == AsyncCompleted {
		return w.releaseAsync()
	}
	return
}

func (w *Wireless) updateAsync(newData uint32) {
	a := &w.async
	switch a.Step {
	case StepCommandHeader, StepCommandParameters:
		if newData != DataRequest {
			w.completeAsync(false)
			return
		}
		w.sendAsyncParameterOrRequestResponse()
	case StepResponseRequest:
		magic, responses, ack := ParseHeader(newData)
		if magic != CommandHeader || ack != a.Type+ResponseAck || responses > MaxCommandResponseLength {
			w.completeAsync(false)
			return
		}
		a.totalResponses = responses
		a.Result.Data = make([]uint32, 0, responses)
		if responses == 0 {
			w.completeAsync(true)
			return
		}
		a.Step = StepDataRequest
		w.transferAsync(DataRequest)
	case StepDataRequest:
		a.Result.Data = append(a.Result.Data, newData)
		if len(a.Result.Data) == a.totalResponses {
			w.completeAsync(true)
			return
		}
		w.transferAsync(DataRequest)
	}
}

func (w *Wireless) sendAsyncParameterOrRequestResponse() {
	a := &w.async
	if a.sentParams < len(a.Params) {
		a.Step = StepCommandParameters
		param := a.Params[a.sentParams]
		a.sentParams++
		w.transferAsync(param)
		return
	}
	a.Step = StepResponseRequest
	w.transferAsync(DataRequest)
}

func (w *Wireless) completeAsync(success bool) {
	w.async.State = AsyncCompleted
	w.async.Result.Success = success
	w.async.Result.CommandID = w.async.Type
	if !success {
		w.async.Result.Data = nil
		glog.V(2).Infof("async command 0x%02x failed at step %d", w.async.Type, w.async.Step)
	}
}

func (w *Wireless) releaseAsync() (CommandResult, bool) {
	res := w.async.Result
	glog.V(3).Infof("<< async 0x%02x ok=%v %08x", res.CommandID, res.Success, res.Data)
	w.async.Active = false
	return res, true
}

func (w *Wireless) transferAsync(data uint32) {
	w.spi.TransferAsyncCustomAck(data, nil)
}
