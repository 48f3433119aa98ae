package worker

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/log"

	"github.com/vitest-tools/vitest-bridge/rpc"
)

// Event names streamed to the controller.
const (
	EventCollected  = "onCollected"
	EventTaskUpdate = "onTaskUpdate"
	EventFinished   = "onFinished"
	EventConsoleLog = "onConsoleLog"
)

// channelReporter funnels one execution context's engine events onto the RPC
// channel, tagged with the owning project id. Send failures are logged and
// dropped; a broken channel surfaces through the serve loop, not here.
type channelReporter struct {
	log       log.Logger
	ch        rpc.Channel
	projectID string
}

func newChannelReporter(logger log.Logger, ch rpc.Channel, projectID string) *channelReporter {
	return &channelReporter{log: logger, ch: ch, projectID: projectID}
}

func (r *channelReporter) OnCollected(files json.RawMessage) {
	r.emit(EventCollected, files)
}

func (r *channelReporter) OnTaskUpdate(packs json.RawMessage) {
	r.emit(EventTaskUpdate, packs)
}

func (r *channelReporter) OnFinished(files, errs json.RawMessage) {
	data, err := json.Marshal(map[string]json.RawMessage{
		"files":  emptyArrayIfNil(files),
		"errors": emptyArrayIfNil(errs),
	})
	if err != nil {
		r.log.Error("Failed to encode finished event", "error", err)
		return
	}
	r.emit(EventFinished, data)
}

func (r *channelReporter) OnConsoleLog(entry json.RawMessage) {
	r.emit(EventConsoleLog, entry)
}

func (r *channelReporter) emit(event string, data json.RawMessage) {
	if err := r.ch.Send(rpc.NewEvent(r.projectID, event, data)); err != nil {
		r.log.Warn("Failed to relay engine event", "event", event, "error", err)
	}
}

func emptyArrayIfNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}
