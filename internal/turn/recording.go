package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/provider/vad"
)

// StartRecording opens the microphone and starts polling the detector. It
// requires an open session. Device failures are returned wrapping
// [*audio.DeviceError] and leave the controller not recording. Starting while
// already recording is a no-op.
func (c *Controller) StartRecording(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.sess == nil {
			return ErrNoSession
		}
		if c.recording {
			slog.Warn("turn: already recording")
			return nil
		}
		if c.detector == nil {
			det, err := c.engine.NewDetector(c.cfg.VAD)
			if err != nil {
				return fmt.Errorf("turn: start recording: %w", err)
			}
			c.detector = det
		}
		c.detector.Reset()
		c.userStream = false
		if c.state == StateIdle {
			c.input = ""
			c.utterance = nil
		}

		if err := c.capture.Start(ctx, c.detector); err != nil {
			c.detector.Reset()
			return fmt.Errorf("turn: start recording: %w", err)
		}
		c.recording = true
		c.startPolling()
		return nil
	})
}

// StopRecording releases the microphone. An open user turn ends immediately
// and the end-of-audio marker is sent, regardless of pending detector
// timers. Stopping while not recording is a no-op.
func (c *Controller) StopRecording(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.recording {
			return nil
		}
		// Deregister the frame callback before anything else.
		if err := c.capture.Stop(); err != nil {
			slog.Warn("turn: stopping capture failed", "err", err)
		}
		c.stopPolling()
		c.recording = false

		if c.userStream {
			c.endUserTurn()
		} else {
			c.capture.TakeRetained()
			if c.state == StateIdle {
				c.input = ""
			}
		}
		c.detector.Reset()
		if c.playback.Active() == 0 {
			c.speaking = false
		}
		c.refreshIfStale()
		return nil
	})
}

func (c *Controller) startPolling() {
	if c.injectedTicks != nil {
		c.tickC = c.injectedTicks
		return
	}
	c.ticker = time.NewTicker(c.cfg.VAD.PollInterval)
	c.tickC = c.ticker.C
}

func (c *Controller) stopPolling() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickC = nil
}

// poll evaluates the detector once and acts on its decision.
func (c *Controller) poll(now time.Time) {
	if !c.recording || c.detector == nil {
		return
	}
	dec := c.detector.Evaluate(now)
	switch dec.Type {
	case vad.DecisionSpeechStart:
		slog.Debug("turn: speech started", "magnitude", dec.Magnitude)
		c.userStream = true
		c.state = StateUserSpeaking
		c.sendAudio(dec.Audio)
	case vad.DecisionSpeechContinue:
		if c.userStream {
			c.sendAudio(dec.Audio)
		}
	case vad.DecisionSpeechEnd:
		slog.Debug("turn: speech ended")
		if c.userStream {
			c.sendAudio(dec.Audio)
		}
		c.endUserTurn()
	case vad.DecisionCancelled:
		// A false start sends no audio, so any text belongs to an ended turn
		// still waiting for its reply.
		if c.state == StateIdle {
			c.input = ""
		}
	}
}

// endUserTurn closes the open audio stream exactly once and moves the
// retained frames into the completed utterance.
func (c *Controller) endUserTurn() {
	if !c.userStream {
		return
	}
	c.userStream = false
	if c.sess != nil {
		if err := c.sess.EndAudio(); err != nil {
			c.sendFailed("end audio", err)
		}
	}
	c.utterance = append(c.utterance, c.capture.TakeRetained()...)
	c.state = StateAwaitingResponse
	c.turnEndedAt = time.Now()
	c.discardAudio = false
}

func (c *Controller) sendAudio(samples []float32) {
	if c.sess == nil || len(samples) == 0 {
		return
	}
	if err := c.sess.SendAudio(audio.FloatToPCM16(samples)); err != nil {
		c.sendFailed("send audio", err)
	}
}

// PlayUserAudio toggles replay of a recorded user message. It reports whether
// the message is now playing. Undecodable audio sets a transient warning.
func (c *Controller) PlayUserAudio(ctx context.Context, messageID, encoded string) (bool, error) {
	var playing bool
	err := c.do(ctx, func() error {
		pcm, err := audio.DecodeBase64(encoded)
		var buf *audio.Buffer
		if err == nil {
			buf, err = audio.PCM16ToFloat(pcm, c.capture.SampleRate(), 1)
		}
		if err == nil {
			playing, err = c.playback.PlayUser(messageID, buf)
		}
		if err != nil {
			slog.Warn("turn: replaying user audio failed", "message", messageID, "err", err)
			c.showWarning(warningReplay)
			return fmt.Errorf("turn: play user audio: %w", err)
		}
		return nil
	})
	return playing, err
}
