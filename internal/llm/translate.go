package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"arena2api/pkg/models"

	"github.com/tidwall/gjson"
)

// The upstream answers with a line-oriented stream where each line carries a
// single-letter-plus-digit prefix identifying the payload kind:
//
//	a0:"..."    text delta (JSON string)
//	ag:"..."    reasoning delta (JSON string)
//	ad:{...}    terminal marker with finish reason and optional usage
//	a2:[...]    heartbeat, or an array of generated image attachments
//	a3:...      upstream error
//
// Unknown prefixes are skipped so new upstream line kinds degrade gracefully.

// lineKind identifies the payload variant of one upstream stream line.
type lineKind int

const (
	lineUnknown lineKind = iota
	lineText
	lineReasoning
	lineTerminal
	lineHeartbeat
	lineImages
	lineError
)

// streamLine is one decoded upstream line.
type streamLine struct {
	kind         lineKind
	text         string
	finishReason string
	usage        *models.Usage
	images       []string
}

// errorMarker appears inside an a0 payload when the upstream failed after
// accepting the request. It is an error, not content.
const errorMarker = "hasArenaError"

// parseLine decodes a single raw upstream line. Pure: no I/O, no state.
func parseLine(raw string) streamLine {
	switch {
	case strings.HasPrefix(raw, "a0:"):
		var s string
		if err := json.Unmarshal([]byte(raw[3:]), &s); err != nil {
			return streamLine{kind: lineUnknown}
		}
		if strings.Contains(s, errorMarker) {
			return streamLine{kind: lineError, text: "upstream reported a generation error"}
		}
		return streamLine{kind: lineText, text: s}

	case strings.HasPrefix(raw, "ag:"):
		var s string
		if err := json.Unmarshal([]byte(raw[3:]), &s); err != nil {
			return streamLine{kind: lineUnknown}
		}
		return streamLine{kind: lineReasoning, text: s}

	case strings.HasPrefix(raw, "ad:"):
		payload := gjson.Parse(raw[3:])
		line := streamLine{kind: lineTerminal, finishReason: "stop"}
		if fr := payload.Get("finishReason"); fr.Exists() && fr.String() != "" {
			line.finishReason = fr.String()
		}
		if u := payload.Get("usage"); u.Exists() {
			line.usage = &models.Usage{
				PromptTokens:     int(u.Get("promptTokens").Int()),
				CompletionTokens: int(u.Get("completionTokens").Int()),
			}
			line.usage.TotalTokens = line.usage.PromptTokens + line.usage.CompletionTokens
		}
		return line

	case strings.HasPrefix(raw, "a2:"):
		payload := gjson.Parse(raw[3:])
		if !payload.IsArray() {
			return streamLine{kind: lineHeartbeat}
		}
		var images []string
		payload.ForEach(func(_, item gjson.Result) bool {
			if url := item.Get("image").String(); url != "" {
				images = append(images, url)
			}
			return true
		})
		if len(images) == 0 {
			return streamLine{kind: lineHeartbeat}
		}
		return streamLine{kind: lineImages, images: images}

	case strings.HasPrefix(raw, "a3:"):
		msg := strings.TrimSpace(raw[3:])
		if parsed := gjson.Parse(msg); parsed.Type == gjson.String {
			msg = parsed.String()
		}
		if msg == "" {
			msg = "upstream stream error"
		}
		return streamLine{kind: lineError, text: msg}
	}
	return streamLine{kind: lineUnknown}
}

// imageMarkdown renders generated image URLs as markdown so plain-text
// clients can still surface them.
func imageMarkdown(urls []string) string {
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("![image](%s)", u))
	}
	return strings.Join(parts, "\n")
}

// Translator converts one upstream response stream into OpenAI-shaped
// output. The id, model name, and creation time are fixed per response and
// stamped onto every chunk.
type Translator struct {
	ID      string
	Model   string
	Created int64
}

// NewTranslator creates a translator for a single completion.
func NewTranslator(id, model string) *Translator {
	return &Translator{ID: id, Model: model, Created: time.Now().Unix()}
}

// Chunk formats one streaming chunk. Pure formatter; every chunk carries the
// same id, model, and created timestamp.
func (t *Translator) Chunk(delta models.Delta, finishReason *string) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      t.ID,
		Object:  "chat.completion.chunk",
		Created: t.Created,
		Model:   t.Model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

// scanBufferSize caps a single upstream line. Image payload lines embed data
// URLs and can run far past bufio's default.
const scanBufferSize = 1 << 20

// Stream reads the upstream body line by line and calls emit for every chunk
// in arrival order: one chunk per text or reasoning delta, then exactly one
// terminal chunk carrying the finish reason. An upstream error line aborts
// the stream and is returned as an UpstreamError. Heartbeats and unknown
// lines produce nothing.
func (t *Translator) Stream(ctx context.Context, body io.Reader, emit func(models.ChatCompletionChunk) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := parseLine(scanner.Text())
		switch line.kind {
		case lineText:
			if err := emit(t.Chunk(models.Delta{Content: line.text}, nil)); err != nil {
				return err
			}
		case lineReasoning:
			if err := emit(t.Chunk(models.Delta{ReasoningContent: line.text}, nil)); err != nil {
				return err
			}
		case lineImages:
			if err := emit(t.Chunk(models.Delta{Content: imageMarkdown(line.images)}, nil)); err != nil {
				return err
			}
		case lineTerminal:
			reason := line.finishReason
			return emit(t.Chunk(models.Delta{}, &reason))
		case lineError:
			return &UpstreamError{StatusCode: 502, Message: line.text}
		}
	}
	if err := scanner.Err(); err != nil {
		return &UpstreamError{StatusCode: 502, Message: "upstream stream read failed: " + err.Error()}
	}

	// Stream ended without a terminal line. Close it out so clients are not
	// left waiting on a finish reason.
	reason := "stop"
	return emit(t.Chunk(models.Delta{}, &reason))
}

// Collect drains the upstream body and aggregates it into a single
// non-streaming completion. The result equals the concatenation of what
// Stream would have emitted for the same body.
func (t *Translator) Collect(ctx context.Context, body io.Reader) (*models.ChatCompletionResponse, error) {
	var content, reasoning strings.Builder
	finishReason := "stop"
	var usage models.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := parseLine(scanner.Text())
		switch line.kind {
		case lineText:
			content.WriteString(line.text)
		case lineReasoning:
			reasoning.WriteString(line.text)
		case lineImages:
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(imageMarkdown(line.images))
		case lineTerminal:
			finishReason = line.finishReason
			if line.usage != nil {
				usage = *line.usage
			}
		case lineError:
			return nil, &UpstreamError{StatusCode: 502, Message: line.text}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &UpstreamError{StatusCode: 502, Message: "upstream stream read failed: " + err.Error()}
	}

	return &models.ChatCompletionResponse{
		ID:      t.ID,
		Object:  "chat.completion",
		Created: t.Created,
		Model:   t.Model,
		Choices: []models.Choice{{
			Index: 0,
			Message: models.ResponseMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}, nil
}
