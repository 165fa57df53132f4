package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 4096

// OpenAISession implements UpstreamSession against the OpenAI Responses
// API. Turn continuity is server-held: each turn references its predecessor
// by response id instead of replaying the transcript.
type OpenAISession struct {
	client openai.Client
	model  string
}

// NewOpenAISession creates a session for a model and API key
func NewOpenAISession(apiKey, model string) *OpenAISession {
	return &OpenAISession{
		client: openai.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey))),
		model:  model,
	}
}

// StreamTurn runs one turn, forwarding streaming increments in arrival
// order and returning the completed turn.
func (s *OpenAISession) StreamTurn(ctx context.Context, input TurnInput, onEvent func(TurnEvent)) (TurnResult, error) {
	if s == nil {
		return TurnResult{}, errors.New("nil session")
	}
	if strings.TrimSpace(s.model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := responses.ResponseNewParams{
		Model:             shared.ResponsesModel(s.model),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if input.PreviousTurnID != "" {
		params.PreviousResponseID = openai.String(input.PreviousTurnID)
	} else if strings.TrimSpace(input.Preamble) != "" {
		params.Instructions = openai.String(strings.TrimSpace(input.Preamble))
	}

	items := buildInputItems(input)
	if len(items) == 0 {
		return TurnResult{}, errors.New("empty turn input")
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}

	if len(input.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, 0, len(input.Tools))
		for _, spec := range input.Tools {
			tools = append(tools, responses.ToolParamOfFunction(spec.Name, spec.Parameters, false))
		}
		params.Tools = tools
	}

	stream := s.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var textBuf strings.Builder
	var completed responses.Response
	gotCompleted := false

	partials := map[string]*partialCall{} // item_id -> partial

	emit := func(ev TurnEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{itemID: itemID, callID: itemID, outputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emit(TurnEvent{Type: TurnTextDelta, Text: delta})

		case "response.reasoning_summary_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			emit(TurnEvent{Type: TurnReasoningDelta, Text: delta})

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if pc.outputIndex < 0 {
				pc.outputIndex = event.OutputIndex
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.name = name
			}
			if !pc.announced {
				pc.announced = true
				emit(TurnEvent{Type: TurnCallAdded, Call: &ToolCall{ID: pc.callID, Name: pc.name}})
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.argsRaw.WriteString(raw)
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			pc.argsRaw.WriteString(event.Delta.OfString)

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.argsRaw.Reset()
				pc.argsRaw.WriteString(raw)
			}
			pc.done = true

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.argsRaw.String()) == "" {
				pc.argsRaw.WriteString(raw)
			}
			pc.done = true

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		return TurnResult{}, errors.New("missing response.completed event")
	}

	rawOutput, err := json.Marshal(completed.Output)
	if err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		TurnID:    strings.TrimSpace(completed.ID),
		Text:      strings.TrimSpace(textBuf.String()),
		RawOutput: rawOutput,
		Usage: Usage{
			InputTokens:     completed.Usage.InputTokens,
			OutputTokens:    completed.Usage.OutputTokens,
			ReasoningTokens: completed.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}

	ordered := make([]*partialCall, 0, len(partials))
	for _, pc := range partials {
		if pc == nil || !pc.done || strings.TrimSpace(pc.callID) == "" {
			continue
		}
		ordered = append(ordered, pc)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })
	for _, pc := range ordered {
		raw := strings.TrimSpace(pc.argsRaw.String())
		args := map[string]interface{}{}
		if raw != "" {
			// Arguments arrive as streamed fragments; a decode failure
			// leaves them empty rather than failing the turn.
			_ = json.Unmarshal([]byte(raw), &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:      strings.TrimSpace(pc.callID),
			Name:    strings.TrimSpace(pc.name),
			ArgsRaw: raw,
			Args:    args,
		})
	}

	return result, nil
}

// partialCall accumulates a streamed function call until its arguments are
// complete
type partialCall struct {
	itemID      string
	callID      string
	name        string
	outputIndex int64
	announced   bool
	done        bool
	argsRaw     strings.Builder
}

func less(a, b *partialCall) bool {
	if a.outputIndex < 0 && b.outputIndex >= 0 {
		return false
	}
	if b.outputIndex < 0 && a.outputIndex >= 0 {
		return true
	}
	if a.outputIndex == b.outputIndex {
		return a.callID < b.callID
	}
	return a.outputIndex < b.outputIndex
}

func buildInputItems(input TurnInput) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(input.ToolOutputs)+2)

	for _, out := range input.ToolOutputs {
		items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(out.CallID, out.Payload))
	}

	if strings.TrimSpace(input.UserText) != "" || len(input.Attachments) > 0 {
		content := make(responses.ResponseInputMessageContentListParam, 0, len(input.Attachments)+2)
		if section := strings.TrimSpace(input.ContextSection); section != "" {
			content = append(content, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: section},
			})
		}
		if txt := strings.TrimSpace(input.UserText); txt != "" {
			content = append(content, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: txt},
			})
		}
		for _, att := range input.Attachments {
			if att.URL != "" && isImageMime(att.MimeType) {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(att.URL),
					},
				})
				continue
			}
			fp := responses.ResponseInputFileParam{}
			if att.Name != "" {
				fp.Filename = openai.String(att.Name)
			}
			if att.URL != "" {
				fp.FileURL = openai.String(att.URL)
			}
			content = append(content, responses.ResponseInputContentUnionParam{OfInputFile: &fp})
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser))
	}

	return items
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}
