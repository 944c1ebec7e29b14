package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duet/internal/observe"
	"github.com/MrWong99/duet/internal/tools"
	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

func (c *Controller) handleEvent(ev s2s.Event) {
	switch ev := ev.(type) {
	case s2s.InputTranscript:
		c.input = ev.Text
	case s2s.OutputTranscript:
		c.onOutputTranscript(ev.Delta)
	case s2s.AudioChunk:
		c.onAudio(ev)
	case s2s.ToolCall:
		c.onToolCall(ev)
	case s2s.Interrupted:
		c.onInterrupted()
	case s2s.TurnComplete:
		c.onTurnComplete()
	case s2s.Error:
		c.onServiceError(ev)
	case s2s.Closed:
		c.onClosed(ev)
	default:
		slog.Debug("turn: ignoring event", "type", fmt.Sprintf("%T", ev))
	}
}

// markResponding moves a waiting turn to AssistantResponding on the first
// reply content.
func (c *Controller) markResponding() {
	switch c.state {
	case StateAwaitingResponse:
		if !c.turnEndedAt.IsZero() {
			c.metrics.ResponseLatency.Record(c.ctx, time.Since(c.turnEndedAt).Seconds())
			c.turnEndedAt = time.Time{}
		}
		c.state = StateAssistantResponding
	case StateIdle:
		c.state = StateAssistantResponding
	}
}

func (c *Controller) onOutputTranscript(delta string) {
	if delta == "" {
		return
	}
	c.reply.WriteString(delta)
	if c.inProgress == nil {
		c.inProgress = &memory.Message{Sender: memory.SenderAssistant, Timestamp: time.Now()}
	}
	c.inProgress.Text = c.reply.String()
	c.markResponding()
}

func (c *Controller) onAudio(ev s2s.AudioChunk) {
	if c.discardAudio {
		slog.Debug("turn: dropping audio of interrupted reply")
		return
	}
	c.markResponding()

	rate, channels := ev.SampleRate, ev.Channels
	if rate <= 0 {
		rate = s2s.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	pcm, err := audio.DecodeBase64(ev.Data)
	var buf *audio.Buffer
	if err == nil {
		buf, err = audio.PCM16ToFloat(pcm, rate, channels)
	}
	if err != nil {
		slog.Warn("turn: decoding assistant audio failed", "err", err)
		c.speaking = false
		c.showWarning(warningDecode)
		return
	}

	if _, err := c.playback.Enqueue(buf); err != nil {
		slog.Warn("turn: scheduling assistant audio failed", "err", err)
		return
	}
	c.speaking = true
}

// onInterrupted halts every assistant source at once. The provisional user
// transcript and the reply accumulator survive; further audio of the
// interrupted reply is dropped until the next turn boundary.
func (c *Controller) onInterrupted() {
	n := c.playback.Flush()
	slog.Debug("turn: interrupted", "stopped_sources", n)
	c.speaking = false
	c.inProgress = nil
	c.discardAudio = true
	c.state = StateIdle
	c.metrics.RecordTurn(c.ctx, "interrupted")
	c.drainSynthetic()
}

// onTurnComplete persists the user message, then the assistant message.
func (c *Controller) onTurnComplete() {
	if text := strings.TrimSpace(c.input); text != "" {
		msg := memory.Message{Sender: memory.SenderUser, Text: text}
		if len(c.utterance) > 0 {
			msg.Audio = audio.EncodeBase64(audio.FloatToPCM16(c.utterance))
		}
		c.appendMessage(msg)
	}
	c.input = ""
	c.utterance = nil

	if c.reply.Len() > 0 {
		c.appendAssistant(c.reply.String())
	}
	c.reply.Reset()
	c.inProgress = nil
	c.discardAudio = false

	if c.state != StateUserSpeaking {
		c.state = StateIdle
	}
	c.metrics.RecordTurn(c.ctx, "complete")
	c.drainSynthetic()
	c.refreshIfStale()
}

// onToolCall executes every call and answers them in one response. Failed
// calls are reported to the model and never change the turn state.
func (c *Controller) onToolCall(ev s2s.ToolCall) {
	responses := make([]s2s.ToolResponse, 0, len(ev.Calls))
	for _, call := range ev.Calls {
		out := c.executeTool(call)
		responses = append(responses, out.Response)
		if out.Err != nil {
			continue
		}
		c.entriesStale = true
		if c.cfg.AcknowledgeTools && out.Acknowledgement != "" {
			c.synthetic = append(c.synthetic, out.Acknowledgement)
		}
	}
	if len(responses) > 0 && c.sess != nil {
		if err := c.sess.SendToolResponse(responses...); err != nil {
			c.sendFailed("send tool response", err)
		}
	}
	c.drainSynthetic()
}

func (c *Controller) executeTool(call s2s.FunctionCall) tools.Outcome {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ToolTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "turn.tool_call",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))

	start := time.Now()
	out := c.tools.Execute(ctx, call)
	c.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("tool", call.Name)))

	status := "ok"
	if out.Err != nil {
		status = "error"
	}
	c.metrics.RecordToolCall(ctx, call.Name, status)
	observe.EndSpan(span, out.Err)
	return out
}

// drainSynthetic persists queued acknowledgements once no turn is running.
func (c *Controller) drainSynthetic() {
	if c.state != StateIdle || len(c.synthetic) == 0 {
		return
	}
	queue := c.synthetic
	c.synthetic = nil
	for _, text := range queue {
		c.appendAssistant(text)
	}
}
