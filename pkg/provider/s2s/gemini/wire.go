package gemini

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// Wire format of the BidiGenerateContent protocol. Only the fields duet sends
// or reads are modelled; unknown server fields are ignored.

// clientMessage is the envelope of every frame sent to the server. Exactly
// one field is set.
type clientMessage struct {
	Setup         *setup         `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setup struct {
	Model               string         `json:"model"`
	GenerationConfig    generation     `json:"generationConfig"`
	SystemInstruction   *contentParts  `json:"systemInstruction,omitempty"`
	Tools               []toolSet      `json:"tools,omitempty"`
	InputTranscription  *transcribeCfg `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *transcribeCfg `json:"outputAudioTranscription,omitempty"`
}

type generation struct {
	ResponseModalities []string `json:"responseModalities"`
	Speech             *speech  `json:"speechConfig,omitempty"`
}

type speech struct {
	Voice struct {
		Prebuilt struct {
			Name string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type transcribeCfg struct {
	LanguageCode string `json:"languageCode,omitempty"`
}

type contentParts struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

// inlineData carries base64 media in both directions.
type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolSet struct {
	Functions []functionDecl `json:"functionDeclarations,omitempty"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInput struct {
	Audio          *inlineData `json:"audio,omitempty"`
	AudioStreamEnd bool        `json:"audioStreamEnd,omitempty"`
	Text           string      `json:"text,omitempty"`
}

type toolResponse struct {
	Responses []functionResult `json:"functionResponses"`
}

type functionResult struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// serverMessage is the envelope of every frame received from the server.
type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	Content       *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *struct {
		Calls []struct {
			ID   string         `json:"id"`
			Name string         `json:"name"`
			Args map[string]any `json:"args"`
		} `json:"functionCalls"`
	} `json:"toolCall,omitempty"`
	GoAway *json.RawMessage `json:"goAway,omitempty"`
	Error  *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *contentParts `json:"modelTurn,omitempty"`
	TurnComplete bool          `json:"turnComplete,omitempty"`
	Interrupted  bool          `json:"interrupted,omitempty"`
	Input        *transcript   `json:"inputTranscription,omitempty"`
	Output       *transcript   `json:"outputTranscription,omitempty"`
}

type transcript struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// setupFrame translates cfg into the first frame of a session.
func setupFrame(model string, cfg s2s.SessionConfig) clientMessage {
	st := &setup{
		Model:              "models/" + model,
		GenerationConfig:   generation{ResponseModalities: []string{"AUDIO"}},
		InputTranscription: &transcribeCfg{LanguageCode: cfg.InputTranscriptionLanguage},
	}
	if !cfg.DisableOutputTranscription {
		st.OutputTranscription = &transcribeCfg{}
	}
	if cfg.Instructions != "" {
		st.SystemInstruction = &contentParts{Parts: []contentPart{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		st.GenerationConfig.Speech = &speech{}
		st.GenerationConfig.Speech.Voice.Prebuilt.Name = cfg.Voice
	}
	if len(cfg.Tools) > 0 {
		fns := make([]functionDecl, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			fns = append(fns, functionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		st.Tools = []toolSet{{Functions: fns}}
	}
	return clientMessage{Setup: st}
}

func toolResponseFrame(responses []s2s.ToolResponse) clientMessage {
	out := make([]functionResult, len(responses))
	for i, r := range responses {
		out[i] = functionResult{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	return clientMessage{ToolResponse: &toolResponse{Responses: out}}
}

// translator turns server frames into events. Input transcription arrives as
// deltas; the translator accumulates them so every [s2s.InputTranscript]
// carries the whole utterance so far. Not safe for concurrent use.
type translator struct {
	input strings.Builder
}

// events returns the events for one frame, in the order a consumer must see
// them: errors, tool calls, user transcript, assistant audio, assistant
// transcript, interruption, turn end.
func (tr *translator) events(msg *serverMessage) []s2s.Event {
	var out []s2s.Event
	if e := msg.Error; e != nil {
		out = append(out, s2s.Error{Code: e.Code, Status: e.Status, Message: e.Message})
	}
	if msg.ToolCall != nil {
		calls := make([]s2s.FunctionCall, len(msg.ToolCall.Calls))
		for i, c := range msg.ToolCall.Calls {
			calls[i] = s2s.FunctionCall{ID: c.ID, Name: c.Name, Args: c.Args}
		}
		out = append(out, s2s.ToolCall{Calls: calls})
	}

	sc := msg.Content
	if sc == nil {
		return out
	}
	if in := sc.Input; in != nil && (in.Text != "" || in.Finished) {
		tr.input.WriteString(in.Text)
		out = append(out, s2s.InputTranscript{Text: tr.input.String(), Final: in.Finished})
		if in.Finished {
			tr.input.Reset()
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			out = append(out, s2s.AudioChunk{
				Data:       p.InlineData.Data,
				MIMEType:   p.InlineData.MIMEType,
				SampleRate: rateFromMIME(p.InlineData.MIMEType),
				Channels:   1,
			})
		}
	}
	if sc.Output != nil && sc.Output.Text != "" {
		out = append(out, s2s.OutputTranscript{Delta: sc.Output.Text})
	}
	if sc.Interrupted {
		out = append(out, s2s.Interrupted{})
	}
	if sc.TurnComplete {
		tr.input.Reset()
		out = append(out, s2s.TurnComplete{})
	}
	return out
}

// rateFromMIME reads the rate parameter of e.g. "audio/pcm;rate=24000",
// defaulting to [s2s.OutputSampleRate].
func rateFromMIME(mime string) int {
	_, params, _ := strings.Cut(mime, ";")
	for params != "" {
		var kv string
		kv, params, _ = strings.Cut(params, ";")
		k, v, _ := strings.Cut(strings.TrimSpace(kv), "=")
		if k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return s2s.OutputSampleRate
}
