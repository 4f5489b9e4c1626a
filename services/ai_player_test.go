package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrenc2002/AIGame-sub000/llm"
	"github.com/jrenc2002/AIGame-sub000/models"
)

type fakeReply struct {
	content string
	err     error
	// partial is streamed before err is returned
	partial string
}

var seatRe = regexp.MustCompile(`座位号 ([^）]+)）`)

func seatOfMessages(messages []llm.Message) string {
	if len(messages) == 0 {
		return ""
	}
	if m := seatRe.FindStringSubmatch(messages[0].Content); m != nil {
		return m[1]
	}
	return ""
}

// fakeGateway replies per seat from a script. When a seat's script runs out
// the last reply repeats; seats without a script get a harmless default.
type fakeGateway struct {
	mu      sync.Mutex
	script  map[string][]fakeReply
	sends   map[string]int
	streams map[string]int
	block   map[string]chan struct{}
	started chan string
	last    []llm.Message
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		script:  make(map[string][]fakeReply),
		sends:   make(map[string]int),
		streams: make(map[string]int),
		block:   make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (f *fakeGateway) reply(seat string, calls int, fallback string) (fakeReply, chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := f.block[seat]
	steps := f.script[seat]
	if len(steps) == 0 {
		return fakeReply{content: fallback}, gate
	}
	if calls < len(steps) {
		return steps[calls], gate
	}
	return steps[len(steps)-1], gate
}

func (f *fakeGateway) wait(ctx context.Context, seat string, gate chan struct{}) error {
	select {
	case f.started <- seat:
	default:
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeGateway) Send(ctx context.Context, messages []llm.Message) (llm.Completion, error) {
	seat := seatOfMessages(messages)
	f.mu.Lock()
	calls := f.sends[seat]
	f.sends[seat]++
	f.last = messages
	f.mu.Unlock()

	r, gate := f.reply(seat, calls, `{"target": "none"}`)
	if err := f.wait(ctx, seat, gate); err != nil {
		return llm.Completion{}, err
	}
	if r.err != nil {
		return llm.Completion{}, r.err
	}
	return llm.Completion{Content: r.content, FinishReason: "stop"}, nil
}

func (f *fakeGateway) Stream(ctx context.Context, messages []llm.Message, onChunk func(llm.Chunk)) (llm.Completion, error) {
	seat := seatOfMessages(messages)
	f.mu.Lock()
	calls := f.streams[seat]
	f.streams[seat]++
	f.last = messages
	f.mu.Unlock()

	r, gate := f.reply(seat, calls, `{"message": "我是好人，过。", "emotion": "calm"}`)
	if err := f.wait(ctx, seat, gate); err != nil {
		return llm.Completion{}, err
	}
	if r.err != nil {
		if r.partial != "" {
			onChunk(llm.Chunk{Content: r.partial})
		}
		return llm.Completion{}, r.err
	}
	half := len(r.content) / 2
	onChunk(llm.Chunk{Content: r.content[:half]})
	onChunk(llm.Chunk{Content: r.content[half:]})
	onChunk(llm.Chunk{Done: true, FinishReason: "stop"})
	return llm.Completion{Content: r.content, FinishReason: "stop"}, nil
}

func (f *fakeGateway) counts(seat string) (sends, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[seat], f.streams[seat]
}

func fastRetry(attempts int) llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func voteRequest() DecisionRequest {
	table := testTable()
	state := models.GameState{CurrentRound: 2, CurrentPhase: models.PhaseDayVoting, Players: table}
	return DecisionRequest{
		Kind:    OpVote,
		Seat:    table[6],
		View:    state.RedactFor("7"),
		Legal:   []models.Player{table[0], table[1], table[2]},
		Default: "1",
	}
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	timeout := &llm.Error{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{{err: timeout}, {err: timeout}, {content: `{"target": "2", "confidence": 0.8}`}}

	var retries []llm.RetryEvent
	gw := llm.NewRetryGateway(fake, fastRetry(4), func(e llm.RetryEvent) { retries = append(retries, e) })
	orch := NewOrchestrator(gw, nil, OrchestratorConfig{})

	res, err := orch.Decide(context.Background(), voteRequest(), nil)
	if err != nil {
		t.Fatalf("expected a decision after transient failures, got %v", err)
	}
	if res.Target != "2" || res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 retries, got %d", len(retries))
	}
	if sends, _ := fake.counts("7"); sends != 3 {
		t.Fatalf("expected 3 calls, got %d", sends)
	}
}

func TestOrchestratorDoesNotRetryCredentialErrors(t *testing.T) {
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{{err: &llm.Error{Kind: llm.KindInvalidCredential, StatusCode: 401, Err: errors.New("bad key")}}}
	gw := llm.NewRetryGateway(fake, fastRetry(4), nil)
	orch := NewOrchestrator(gw, nil, OrchestratorConfig{})

	_, err := orch.Decide(context.Background(), voteRequest(), nil)
	if llm.KindOf(err) != llm.KindInvalidCredential {
		t.Fatalf("expected credential error, got %v", err)
	}
	if sends, _ := fake.counts("7"); sends != 1 {
		t.Fatalf("credential errors must not be retried, got %d calls", sends)
	}
}

func TestOrchestratorTargetHandling(t *testing.T) {
	cases := []struct {
		name     string
		reply    string
		target   string
		degraded bool
	}{
		{"by id", `{"target": "3"}`, "3", false},
		{"by name", `{"target": "P2"}`, "2", false},
		{"free text", "I choose target: 3 because they were quiet", "3", false},
		{"illegal id", `{"target": "8"}`, "1", true},
		{"missing target", `{"reasoning": "hmm"}`, "1", true},
		{"unparseable", "no idea", "1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeGateway()
			fake.script["7"] = []fakeReply{{content: tc.reply}}
			orch := NewOrchestrator(fake, nil, OrchestratorConfig{})
			res, err := orch.Decide(context.Background(), voteRequest(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.Target != tc.target || res.Degraded != tc.degraded {
				t.Fatalf("got target %q degraded %v, want %q %v", res.Target, res.Degraded, tc.target, tc.degraded)
			}
		})
	}
}

func TestOrchestratorStrictModeAsksAgain(t *testing.T) {
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{{content: "???"}, {content: `{"target": "2"}`}}
	orch := NewOrchestrator(fake, nil, OrchestratorConfig{Strict: true, ParseAttempts: 2})

	res, err := orch.Decide(context.Background(), voteRequest(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Target != "2" || res.Degraded {
		t.Fatalf("expected the second answer to be used, got %+v", res)
	}
	if sends, _ := fake.counts("7"); sends != 2 {
		t.Fatalf("expected 2 calls, got %d", sends)
	}
	if n := len(fake.last); n != 4 {
		t.Fatalf("the retry must carry the bad answer and a correction, got %d messages", n)
	}
}

func TestOrchestratorSpeechStreams(t *testing.T) {
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{{content: `{"message": "我怀疑2号", "emotion": "suspicious"}`}}
	orch := NewOrchestrator(fake, nil, OrchestratorConfig{})

	req := voteRequest()
	req.Kind = OpSpeech
	var progress []int
	res, err := orch.Decide(context.Background(), req, func(n int) { progress = append(progress, n) })
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "我怀疑2号" || res.Emotion != models.EmotionSuspicious {
		t.Fatalf("unexpected speech %+v", res)
	}
	if len(progress) != 2 || progress[1] <= progress[0] {
		t.Fatalf("expected growing progress counts, got %v", progress)
	}
}

func TestOrchestratorSpeechRetriesDroppedStream(t *testing.T) {
	timeout := &llm.Error{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{
		{partial: `{"message": "我`, err: timeout},
		{content: `{"message": "我是预言家", "emotion": "confident"}`},
	}
	gw := llm.NewRetryGateway(fake, fastRetry(4), nil)
	orch := NewOrchestrator(gw, nil, OrchestratorConfig{})

	req := voteRequest()
	req.Kind = OpSpeech
	var progress []int
	res, err := orch.Decide(context.Background(), req, func(n int) { progress = append(progress, n) })
	if err != nil {
		t.Fatalf("a dropped stream must be retried, got %v", err)
	}
	if res.Message != "我是预言家" || res.Degraded {
		t.Fatalf("unexpected speech %+v", res)
	}
	if _, streams := fake.counts("7"); streams != 2 {
		t.Fatalf("expected 2 stream calls, got %d", streams)
	}
	if len(progress) < 2 || progress[1] != 0 {
		t.Fatalf("progress must restart after the dropped stream, got %v", progress)
	}
}

func TestOrchestratorSpeechFallsBackToProse(t *testing.T) {
	fake := newFakeGateway()
	fake.script["7"] = []fakeReply{{content: "我觉得3号很可疑。"}}
	orch := NewOrchestrator(fake, nil, OrchestratorConfig{})

	req := voteRequest()
	req.Kind = OpSpeech
	res, err := orch.Decide(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || res.Message != "我觉得3号很可疑。" {
		t.Fatalf("prose reply should be kept as the speech, got %+v", res)
	}
}

func TestOrchestratorWitch(t *testing.T) {
	table := testTable()
	state := models.GameState{CurrentRound: 2, CurrentPhase: models.PhaseNight, Players: table}
	base := DecisionRequest{
		Kind:            OpNightAction,
		Seat:            table[3],
		View:            state.RedactFor("4"),
		Legal:           []models.Player{table[6], table[0], table[1]},
		KillTarget:      "7",
		SaveAvailable:   true,
		PoisonAvailable: true,
	}

	cases := []struct {
		reply  string
		action models.ActionKind
		target string
	}{
		{`{"target": "7"}`, models.ActionSave, "7"},
		{`{"target": "1"}`, models.ActionPoison, "1"},
		{`{"target": "none"}`, "", ""},
		{`{"target": "9"}`, "", ""},
	}
	for _, tc := range cases {
		fake := newFakeGateway()
		fake.script["4"] = []fakeReply{{content: tc.reply}}
		res, err := NewOrchestrator(fake, nil, OrchestratorConfig{}).Decide(context.Background(), base, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Action != tc.action || res.Target != tc.target {
			t.Errorf("%s: got %s/%q, want %s/%q", tc.reply, res.Action, res.Target, tc.action, tc.target)
		}
	}

	// 第一晚不询问模型，直接用解药
	first := base
	first.View.CurrentRound = 1
	fake := newFakeGateway()
	res, err := NewOrchestrator(fake, nil, OrchestratorConfig{}).Decide(context.Background(), first, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != models.ActionSave || res.Target != "7" {
		t.Fatalf("first-night witch must save the victim, got %+v", res)
	}
	if sends, _ := fake.counts("4"); sends != 0 {
		t.Fatal("forced save must not call the model")
	}
}

func TestPromptIsBoundedAndPrivate(t *testing.T) {
	table := testTable()
	state := models.GameState{CurrentRound: 3, CurrentPhase: models.PhaseDayVoting, Players: table}
	for i := 0; i < 40; i++ {
		state.GameLogs = append(state.GameLogs, models.GameLog{Round: 1, Kind: models.LogSystem, Message: "事件" + string(rune('A'+i%26))})
		state.PlayerSpeeches = append(state.PlayerSpeeches, models.PlayerSpeech{PlayerID: "8", Content: "发言"})
	}
	req := DecisionRequest{Kind: OpVote, Seat: table[2], View: state.RedactFor("3"), Legal: table[:2],
		SeerResults: []SeerResult{{Round: 1, SeerID: "3", TargetID: "2", Camp: models.CampWerewolf}}}

	msgs := NewPromptBuilder(5, 4).Build(req)
	user := msgs[1].Content
	if got := strings.Count(user, "第1轮 事件"); got != 5 {
		t.Fatalf("expected 5 recent logs, got %d", got)
	}
	if got := strings.Count(user, "8号：发言"); got != 4 {
		t.Fatalf("expected 4 recent speeches, got %d", got)
	}
	if !strings.Contains(user, "第1晚查验 2号：狼人") {
		t.Fatal("seer must see its own checks")
	}
	if strings.Contains(user, "身份：狼") {
		t.Fatal("living players' roles must not leak into the prompt")
	}
}
