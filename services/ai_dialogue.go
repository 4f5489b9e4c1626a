package services

import (
	"fmt"
	"strings"

	"github.com/jrenc2002/AIGame-sub000/llm"
	"github.com/jrenc2002/AIGame-sub000/models"
)

// PromptBuilder assembles a bounded conversation for one AI decision: role
// brief, roster, the last few public logs and speeches, and the seat's
// private knowledge. Full history is never sent.
type PromptBuilder struct {
	ContextLogs     int
	ContextSpeeches int
}

// NewPromptBuilder 创建提示词构造器
func NewPromptBuilder(logs, speeches int) *PromptBuilder {
	if logs <= 0 {
		logs = 12
	}
	if speeches <= 0 {
		speeches = 10
	}
	return &PromptBuilder{ContextLogs: logs, ContextSpeeches: speeches}
}

var roleNames = map[models.Role]string{
	models.Villager:  "村民",
	models.Seer:      "预言家",
	models.Witch:     "女巫",
	models.Hunter:    "猎人",
	models.Guard:     "守卫",
	models.Werewolf:  "狼人",
	models.AlphaWolf: "狼王",
}

// RoleName 角色中文名
func RoleName(r models.Role) string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return string(r)
}

var roleBriefs = map[models.Role]string{
	models.Villager:  "你没有夜间技能。白天通过发言和投票找出狼人。",
	models.Seer:      "每晚可以查验一名玩家的阵营（好人或狼人）。白天引导好人投票，但要小心暴露身份。",
	models.Witch:     "你有一瓶解药和一瓶毒药，整局各只能用一次。解药只能救当晚被狼人袭击的人，毒药可以毒死任意一名玩家。",
	models.Hunter:    "你被狼人杀死或被投票出局时可以开枪带走一名玩家；被毒死则不能开枪。",
	models.Guard:     "每晚可以守护一名玩家（可以守自己）使其免于狼人袭击，但不能连续两晚守护同一个人。",
	models.Werewolf:  "你和狼队友每晚共同选择袭击一名玩家。白天隐藏身份，误导好人。",
	models.AlphaWolf: "你是狼王，狼队意见不一致时以你的选择为准。白天隐藏身份，误导好人。",
}

var personalityBriefs = map[models.AIPersonality]string{
	models.Aggressive: "性格激进，喜欢主动质疑和带节奏。",
	models.Analytical: "性格理性，发言注重逻辑和证据。",
	models.Deceptive:  "善于伪装，说话滴水不漏。",
	models.Cautious:   "性格谨慎，不轻易表态。",
}

// Build returns the messages for req.
func (pb *PromptBuilder) Build(req DecisionRequest) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: pb.system(req)},
		{Role: llm.RoleUser, Content: pb.user(req)},
	}
}

func (pb *PromptBuilder) system(req DecisionRequest) string {
	var b strings.Builder
	seat := req.Seat
	fmt.Fprintf(&b, "你正在玩狼人杀，你是%s（座位号 %s），身份是%s。\n", seat.Name, seat.ID, RoleName(seat.Role))
	b.WriteString(roleBriefs[seat.Role])
	b.WriteString("\n")
	if p, ok := personalityBriefs[seat.Personality]; ok {
		b.WriteString("你的")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("狼人全部出局则好人胜利；神职全部出局或狼人数量不少于好人时狼人胜利。\n")
	b.WriteString("只回复一个 JSON 对象，不要输出其他内容。")
	return b.String()
}

func (pb *PromptBuilder) user(req DecisionRequest) string {
	var b strings.Builder
	view := req.View
	fmt.Fprintf(&b, "当前第 %d 轮，阶段：%s。\n\n", view.CurrentRound, view.CurrentPhase)

	b.WriteString("【玩家】\n")
	for _, p := range view.Players {
		status := "存活"
		if !p.IsActive() {
			status = "出局"
		}
		line := fmt.Sprintf("%s号 %s（%s）", p.ID, p.Name, status)
		if p.Role != "" && p.ID != req.Seat.ID {
			line += " 身份：" + RoleName(p.Role)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if logs := pb.recentLogs(view.GameLogs); len(logs) > 0 {
		b.WriteString("\n【最近事件】\n")
		for _, l := range logs {
			fmt.Fprintf(&b, "第%d轮 %s\n", l.Round, l.Message)
		}
	}
	if speeches := tail(view.PlayerSpeeches, pb.ContextSpeeches); len(speeches) > 0 {
		b.WriteString("\n【最近发言】\n")
		for _, s := range speeches {
			fmt.Fprintf(&b, "%s号：%s\n", s.PlayerID, s.Content)
		}
	}

	if private := pb.private(req); private != "" {
		b.WriteString("\n【只有你知道的信息】\n")
		b.WriteString(private)
	}

	b.WriteString("\n【任务】\n")
	b.WriteString(pb.task(req))
	return b.String()
}

func (pb *PromptBuilder) recentLogs(logs []models.GameLog) []models.GameLog {
	public := make([]models.GameLog, 0, len(logs))
	for _, l := range logs {
		switch l.Kind {
		case models.LogPhaseChange, models.LogDegradedDecision:
			continue
		}
		public = append(public, l)
	}
	return tail(public, pb.ContextLogs)
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func (pb *PromptBuilder) private(req DecisionRequest) string {
	var b strings.Builder
	for _, r := range req.SeerResults {
		camp := "好人"
		if r.Camp == models.CampWerewolf {
			camp = "狼人"
		}
		fmt.Fprintf(&b, "第%d晚查验 %s号：%s\n", r.Round, r.TargetID, camp)
	}
	if req.Seat.Role.IsWolf() {
		var mates []string
		for _, p := range req.View.Players {
			if p.ID != req.Seat.ID && p.Role.IsWolf() {
				mates = append(mates, p.ID+"号")
			}
		}
		if len(mates) > 0 {
			fmt.Fprintf(&b, "你的狼队友：%s\n", strings.Join(mates, "、"))
		}
		for _, v := range req.WolfVotes {
			fmt.Fprintf(&b, "%s号 想袭击 %s号\n", v.ActorID, v.TargetID)
		}
	}
	if req.Seat.Role == models.Witch && req.Kind == OpNightAction {
		if req.KillTarget != "" {
			fmt.Fprintf(&b, "今晚 %s号 被狼人袭击。\n", req.KillTarget)
		} else {
			b.WriteString("今晚没有人被袭击。\n")
		}
		fmt.Fprintf(&b, "解药：%s，毒药：%s\n", availability(req.SaveAvailable), availability(req.PoisonAvailable))
	}
	return b.String()
}

func availability(ok bool) string {
	if ok {
		return "可用"
	}
	return "已用"
}

func legalList(players []models.Player) string {
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, fmt.Sprintf("%s（%s）", p.ID, p.Name))
	}
	return strings.Join(ids, "、")
}

const decisionShape = `格式：{"target": "座位号", "reasoning": "理由", "confidence": 0到1之间的小数}`

func (pb *PromptBuilder) task(req DecisionRequest) string {
	switch req.Kind {
	case OpSpeech:
		return "轮到你发言了。结合局势发表一段不超过150字的发言。\n" +
			`格式：{"message": "发言内容", "emotion": "neutral|suspicious|defensive|aggressive|confident|nervous|calm", "reasoning": "内心想法"}`
	case OpVote:
		return "请投票放逐一名玩家。可选：" + legalList(req.Legal) + "\n" + decisionShape
	case OpHunterShot:
		return "你出局了，可以开枪带走一名玩家，target 填 \"none\" 表示不开枪。可选：" + legalList(req.Legal) + "\n" + decisionShape
	}

	switch req.Action {
	case models.ActionKill:
		return "请选择今晚袭击的玩家。可选：" + legalList(req.Legal) + "\n" + decisionShape
	case models.ActionCheck:
		return "请选择今晚查验的玩家。可选：" + legalList(req.Legal) + "\n" + decisionShape
	case models.ActionGuard:
		return "请选择今晚守护的玩家。可选：" + legalList(req.Legal) + "\n" + decisionShape
	}
	// 女巫：target 为被袭击者表示用解药，其他玩家表示用毒药
	return "请决定是否用药。target 填被袭击者表示使用解药，填其他玩家表示使用毒药，填 \"none\" 表示不用药。可选：" +
		legalList(req.Legal) + "\n" + decisionShape
}

var fallbackSpeeches = map[models.Camp][]string{
	models.CampWerewolf: {
		"昨晚我好像听到了一些动静，但不确定是什么",
		"我觉得我们要相信预言家，但也要防止有人冒充",
		"大家要冷静分析，不要被表象迷惑",
	},
	models.CampVillager: {
		"大家有没有发现什么可疑的人？",
		"我们要抓紧时间找出狼人",
		"昨晚的情况大家怎么看？",
	},
}

// FallbackSpeech is the canned line used when a model reply cannot be read.
// The choice is deterministic per seat and round.
func FallbackSpeech(seat models.Player, round int) string {
	lines := fallbackSpeeches[seat.Role.Camp()]
	if len(lines) == 0 {
		return "我先听听大家的想法。"
	}
	n := round
	for _, r := range seat.ID {
		n += int(r)
	}
	return lines[n%len(lines)]
}
