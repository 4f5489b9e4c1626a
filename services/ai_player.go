package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/jrenc2002/AIGame-sub000/llm"
	"github.com/jrenc2002/AIGame-sub000/models"
)

// OperationKind 需要 AI 做出的决定类型
type OperationKind string

const (
	OpNightAction OperationKind = "night_action"
	OpSpeech      OperationKind = "speech"
	OpVote        OperationKind = "vote"
	OpHunterShot  OperationKind = "hunter_shot"
)

// DecisionRequest is everything one AI seat is allowed to know for one
// decision. View is already redacted for the seat.
type DecisionRequest struct {
	Kind   OperationKind
	Action models.ActionKind // 夜间行动；女巫为空，由回复决定救人或毒人
	Seat   models.Player
	View   models.GameState

	Legal   []models.Player
	Default string // 解析失败或目标非法时使用；空表示放弃

	SeerResults     []SeerResult
	WolfVotes       []models.NightAction
	KillTarget      string
	SaveAvailable   bool
	PoisonAvailable bool
}

// DecisionResult is a decision ready to be applied. Action is set for night
// decisions; an empty Target means pass or abstain.
type DecisionResult struct {
	Kind     OperationKind
	Action   models.ActionKind
	Target   string
	Message  string
	Emotion  models.Emotion
	Decision models.Decision
	Strategy string
	Degraded bool
	Note     string
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// Strict re-asks the model when its reply cannot be read, up to
	// ParseAttempts; otherwise a default is used at once.
	Strict        bool
	ParseAttempts int
}

// Orchestrator turns decision requests into decisions through the gateway
// and the response interpreter. Gateway errors are returned as is: the
// gateway has already retried what was retryable, so the caller pauses.
type Orchestrator struct {
	gateway llm.Gateway
	prompts *PromptBuilder
	cfg     OrchestratorConfig
}

// NewOrchestrator 创建 AI 编排器
func NewOrchestrator(gateway llm.Gateway, prompts *PromptBuilder, cfg OrchestratorConfig) *Orchestrator {
	if prompts == nil {
		prompts = NewPromptBuilder(0, 0)
	}
	if cfg.ParseAttempts <= 0 {
		cfg.ParseAttempts = 1
	}
	return &Orchestrator{gateway: gateway, prompts: prompts, cfg: cfg}
}

func expectedFields(kind OperationKind) []string {
	if kind == OpSpeech {
		return []string{models.FieldMessage}
	}
	return []string{models.FieldTarget}
}

// Decide asks the model for one decision. onProgress receives the number of
// characters streamed so far for speeches and may be nil.
func (o *Orchestrator) Decide(ctx context.Context, req DecisionRequest, onProgress func(chars int)) (DecisionResult, error) {
	// 第一晚女巫必救
	if forced, ok := forcedWitchSave(req); ok {
		return forced, nil
	}

	messages := o.prompts.Build(req)
	expected := expectedFields(req.Kind)

	for attempt := 1; ; attempt++ {
		text, err := o.call(ctx, req.Kind, messages, onProgress)
		if err != nil {
			return DecisionResult{}, fmt.Errorf("seat %s %s: %w", req.Seat.ID, req.Kind, err)
		}

		parsed, perr := Interpret(text, expected)
		if perr == nil {
			return o.apply(req, parsed), nil
		}
		if !o.cfg.Strict || attempt >= o.cfg.ParseAttempts {
			log.Printf("[orchestrator] %s号 %s 回复无法解析，使用默认决定: %v", req.Seat.ID, req.Kind, perr)
			return fallback(req, text), nil
		}
		log.Printf("[orchestrator] %s号 %s 回复无法解析，第 %d 次重新询问", req.Seat.ID, req.Kind, attempt)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: text},
			llm.Message{Role: llm.RoleUser, Content: "上面的回复不是合法的 JSON。请只回复一个 JSON 对象。"},
		)
	}
}

func (o *Orchestrator) call(ctx context.Context, kind OperationKind, messages []llm.Message, onProgress func(int)) (string, error) {
	if kind != OpSpeech {
		c, err := o.gateway.Send(ctx, messages)
		return c.Content, err
	}
	chars := 0
	c, err := o.gateway.Stream(ctx, messages, func(chunk llm.Chunk) {
		if chunk.Reset {
			chars = 0
		}
		if chunk.Done {
			return
		}
		chars += utf8.RuneCountInString(chunk.Content)
		if onProgress != nil {
			onProgress(chars)
		}
	})
	return c.Content, err
}

func forcedWitchSave(req DecisionRequest) (DecisionResult, bool) {
	if req.Kind != OpNightAction || req.Seat.Role != models.Witch {
		return DecisionResult{}, false
	}
	if req.View.CurrentRound != 1 || !req.SaveAvailable || req.KillTarget == "" {
		return DecisionResult{}, false
	}
	return DecisionResult{
		Kind:     req.Kind,
		Action:   models.ActionSave,
		Target:   req.KillTarget,
		Decision: models.Decision{Target: req.KillTarget, Reasoning: "第一晚使用解药"},
		Strategy: "forced",
	}, true
}

// passWords are replies that mean "no target".
var passWords = map[string]bool{"": true, "none": true, "pass": true, "null": true, "无": true, "不": true, "放弃": true}

func isPass(target string) bool {
	return passWords[normalizeRef(target)]
}

func (o *Orchestrator) apply(req DecisionRequest, parsed ParseResult) DecisionResult {
	d := parsed.Decision
	res := DecisionResult{Kind: req.Kind, Decision: d, Strategy: parsed.Strategy}

	if req.Kind == OpSpeech {
		res.Message = strings.TrimSpace(d.Message)
		res.Emotion = d.Emotion
		if res.Emotion == "" {
			res.Emotion = models.EmotionNeutral
		}
		if res.Message == "" {
			res.Message = FallbackSpeech(req.Seat, req.View.CurrentRound)
			res.Degraded = true
			res.Note = "发言内容为空，使用默认发言"
		}
		return res
	}

	passAllowed := req.Kind == OpHunterShot || (req.Seat.Role == models.Witch && req.Kind == OpNightAction)
	if passAllowed && isPass(d.Target) {
		return withAction(req, res, "")
	}

	target, ok := ResolveTarget(d.Target, req.Legal, req.Default)
	if !ok {
		res.Degraded = true
		if d.Target == "" {
			res.Note = "回复缺少目标，使用默认目标"
		} else {
			res.Note = fmt.Sprintf("目标 %q 不合法，使用默认目标", d.Target)
		}
	}
	return withAction(req, res, target)
}

// withAction fills Action and Target. For the witch the target decides the
// potion: the attacked player means save, anyone else means poison.
func withAction(req DecisionRequest, res DecisionResult, target string) DecisionResult {
	res.Target = target
	if req.Kind != OpNightAction {
		return res
	}
	if req.Seat.Role != models.Witch {
		res.Action = req.Action
		return res
	}
	switch {
	case target == "":
	case target == req.KillTarget && req.SaveAvailable:
		res.Action = models.ActionSave
	case req.PoisonAvailable:
		res.Action = models.ActionPoison
	default:
		res.Target = ""
	}
	return res
}

// fallback is the deterministic default for an unreadable reply. A speech
// keeps the raw text when it reads like prose.
func fallback(req DecisionRequest, raw string) DecisionResult {
	res := DecisionResult{Kind: req.Kind, Strategy: "fallback", Degraded: true, Note: "回复无法解析，使用默认决定"}
	if req.Kind == OpSpeech {
		res.Emotion = models.EmotionNeutral
		text := strings.TrimSpace(stripFence(raw))
		if text != "" && !strings.ContainsAny(text, "{}") {
			res.Message = text
		} else {
			res.Message = FallbackSpeech(req.Seat, req.View.CurrentRound)
		}
		return res
	}
	return withAction(req, res, req.Default)
}
