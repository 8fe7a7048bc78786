package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"supportchat_backend/internal/chat/domain"
	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/events"
	"supportchat_backend/internal/notifier"
	"supportchat_backend/internal/responder"
	"supportchat_backend/platform/apperr"
	"supportchat_backend/platform/logger"

	"github.com/google/uuid"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, conversationKey string, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.EventName() == name {
			n++
		}
	}
	return n
}

type stubGenerator struct {
	result responder.Result
	err    error
}

func (g *stubGenerator) Generate(ctx context.Context, history []responder.Turn, message string) (*responder.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	r := g.result
	return &r, nil
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
	next int
}

func (t *recordingTransport) SendText(ctx context.Context, phoneNumber, message string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, message)
	t.next++
	return fmt.Sprintf("wamid-%d", t.next), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notifier.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type testEnv struct {
	svc       *Service
	store     *memStore
	bus       *recordingBroadcaster
	transport *recordingTransport
	notes     *recordingNotifier
}

func newTestEnv(gen responder.Generator) *testEnv {
	store := newMemStore()
	bus := &recordingBroadcaster{}
	transport := &recordingTransport{}
	notes := &recordingNotifier{}
	svc := New(store, bus, gen, transport, notes, time.Second, logger.NewNop())
	return &testEnv{svc: svc, store: store, bus: bus, transport: transport, notes: notes}
}

func (e *testEnv) mustIngestWhatsApp(t *testing.T, number, body string) *IngestResult {
	t.Helper()
	res, err := e.svc.IngestWhatsAppMessage(context.Background(), WhatsAppMessageParams{
		FromNumber: number,
		Body:       body,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func (e *testEnv) messages(t *testing.T, key string) []repository.Message {
	t.Helper()
	msgs, err := e.svc.History(context.Background(), key, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return msgs
}

func TestWebRoundTripWithoutEscalation(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "Our opening hours are 9 to 5."}})

	session, err := env.svc.StartWebSession(context.Background(), "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	res, err := env.svc.IngestWebMessage(context.Background(), WebMessageParams{
		SessionToken: session.ConversationKey,
		Body:         "When are you open?",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("status = %s, want bot", res.Conversation.Status)
	}

	msgs := env.messages(t, session.ConversationKey)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want visitor + bot reply", len(msgs))
	}
	if msgs[0].Origin != repository.OriginVisitor || msgs[1].Origin != repository.OriginBot {
		t.Fatalf("unexpected origins: %s, %s", msgs[0].Origin, msgs[1].Origin)
	}
	if got := env.bus.count(events.NameMessageReceived); got != 2 {
		t.Fatalf("message.received broadcasts = %d, want 2", got)
	}
	if got := env.bus.count(events.NameChatEscalated); got != 0 {
		t.Fatalf("unexpected escalation broadcast")
	}
}

func TestEscalationScenario(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{NeedsEscalation: true, Reason: ""}})

	res := env.mustIngestWhatsApp(t, "+31612345678", "I want to cancel my contract")

	if res.Conversation.Status != string(domain.StatusHuman) {
		t.Fatalf("status = %s, want human", res.Conversation.Status)
	}

	msgs := env.messages(t, res.ConversationKey)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want visitor + escalation prompt", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Kind == nil || *last.Kind != repository.KindEscalationPrompt {
		t.Fatalf("expected escalation prompt message, got %+v", last)
	}

	if got := env.bus.count(events.NameChatEscalated); got != 1 {
		t.Fatalf("chat.escalated broadcasts = %d, want 1", got)
	}
	if len(env.notes.notes) != 1 {
		t.Fatalf("staff notifications = %d, want 1", len(env.notes.notes))
	}
	if env.notes.notes[0].Body != "Reden: "+responder.ReasonMissingKnowledge {
		t.Fatalf("empty reason should default to missing_knowledge, got %q", env.notes.notes[0].Body)
	}
	// prompt mirrored to the visitor's channel
	if len(env.transport.sent) != 1 {
		t.Fatalf("transport sends = %d, want 1", len(env.transport.sent))
	}
}

func TestResponderFailureDegradesToFallbackReply(t *testing.T) {
	env := newTestEnv(&stubGenerator{err: errors.New("upstream timeout")})

	res := env.mustIngestWhatsApp(t, "+31612345678", "hello")

	if res.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("responder failure must not escalate, status = %s", res.Conversation.Status)
	}
	msgs := env.messages(t, res.ConversationKey)
	if len(msgs) != 2 || msgs[1].Origin != repository.OriginBot {
		t.Fatalf("expected fallback bot reply, got %+v", msgs)
	}
	if !strings.Contains(msgs[1].Body, "Sorry") {
		t.Fatalf("unexpected fallback body: %q", msgs[1].Body)
	}
}

func escalated(t *testing.T, env *testEnv) string {
	t.Helper()
	env.svc.generator = &stubGenerator{result: responder.Result{NeedsEscalation: true, Reason: responder.ReasonVisitorRequest}}
	res := env.mustIngestWhatsApp(t, "+31612345678", "human please")
	if res.Conversation.Status != string(domain.StatusHuman) {
		t.Fatalf("setup: status = %s, want human", res.Conversation.Status)
	}
	return res.ConversationKey
}

func TestConcurrentClaimExclusivity(t *testing.T) {
	env := newTestEnv(nil)
	key := escalated(t, env)

	const claimers = 16
	var wg sync.WaitGroup
	winners := make(chan uuid.UUID, claimers)
	losers := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentID := uuid.New()
			if _, err := env.svc.Claim(context.Background(), key, agentID); err != nil {
				losers <- err
				return
			}
			winners <- agentID
		}()
	}
	wg.Wait()
	close(winners)
	close(losers)

	var winnerIDs []uuid.UUID
	for id := range winners {
		winnerIDs = append(winnerIDs, id)
	}
	if len(winnerIDs) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winnerIDs))
	}
	for err := range losers {
		if !apperr.Is(err, apperr.KindAlreadyAssigned) {
			t.Fatalf("loser error = %v, want AlreadyAssigned", err)
		}
	}

	conv, err := env.store.FindConversationByKey(context.Background(), key)
	if err != nil || conv == nil {
		t.Fatalf("lookup: %v", err)
	}
	if conv.AssignedAgent == nil || *conv.AssignedAgent != winnerIDs[0] {
		t.Fatalf("owner mismatch: %+v", conv.AssignedAgent)
	}
	if conv.Status != string(domain.StatusInProgress) {
		t.Fatalf("status = %s, want in_progress", conv.Status)
	}
}

func TestTransferCountAccounting(t *testing.T) {
	env := newTestEnv(nil)
	key := escalated(t, env)

	agentA, agentB, agentC := uuid.New(), uuid.New(), uuid.New()
	if _, err := env.svc.Claim(context.Background(), key, agentA); err != nil {
		t.Fatalf("claim: %v", err)
	}

	conv, err := env.svc.Transfer(context.Background(), key, agentA, agentB, false, "handover at shift end")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if conv.TransferCount != 1 {
		t.Fatalf("transfer_count = %d, want 1", conv.TransferCount)
	}
	if conv.AssignedAgent == nil || *conv.AssignedAgent != agentB {
		t.Fatalf("owner = %v, want %s", conv.AssignedAgent, agentB)
	}

	// supervisor override moves it again without owning it
	conv, err = env.svc.Transfer(context.Background(), key, uuid.New(), agentC, true, "")
	if err != nil {
		t.Fatalf("override transfer: %v", err)
	}
	if conv.TransferCount != 2 {
		t.Fatalf("transfer_count = %d, want 2", conv.TransferCount)
	}

	// non-owner without override is rejected and counts nothing
	if _, err := env.svc.Transfer(context.Background(), key, agentA, agentB, false, ""); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	after, err := env.store.FindConversationByKey(context.Background(), key)
	if err != nil || after == nil {
		t.Fatalf("lookup: %v", err)
	}
	if after.AssignedAgent == nil || *after.AssignedAgent != agentC {
		t.Fatalf("rejected transfer moved ownership: %v", after.AssignedAgent)
	}
	if after.TransferCount != 2 {
		t.Fatalf("transfer_count = %d, want 2", after.TransferCount)
	}

	transfers, err := env.svc.Transfers(context.Background(), key)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("audit records = %d, want 2", len(transfers))
	}
	// the override transfer audits the displaced owner, not the supervisor
	if transfers[1].FromAgent != agentB || transfers[1].ToAgent != agentC {
		t.Fatalf("override audit = %s -> %s, want %s -> %s",
			transfers[1].FromAgent, transfers[1].ToAgent, agentB, agentC)
	}
}

func TestCloseIdempotence(t *testing.T) {
	env := newTestEnv(nil)
	key := escalated(t, env)

	agent := uuid.New()
	if _, err := env.svc.Claim(context.Background(), key, agent); err != nil {
		t.Fatalf("claim: %v", err)
	}

	conv, err := env.svc.CloseChat(context.Background(), key, &agent, "resolved")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if conv.Status != string(domain.StatusClosed) {
		t.Fatalf("status = %s, want closed", conv.Status)
	}
	if conv.AssignedAgent != nil {
		t.Fatal("closed conversation must not keep an owner")
	}
	before := len(env.messages(t, key))

	if _, err := env.svc.CloseChat(context.Background(), key, &agent, "resolved"); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("second close = %v, want InvalidState", err)
	}
	if after := len(env.messages(t, key)); after != before {
		t.Fatalf("second close duplicated messages: %d -> %d", before, after)
	}
	if got := env.bus.count(events.NameChatEnded); got != 1 {
		t.Fatalf("chat.ended broadcasts = %d, want 1", got)
	}
}

func TestUnassignCancelsPendingPrompts(t *testing.T) {
	env := newTestEnv(nil)
	key := escalated(t, env)

	// the automatic escalation left a sent prompt behind
	conv, _ := env.store.FindConversationByKey(context.Background(), key)
	if n, _ := env.store.CountPromptsByStatus(context.Background(), conv.ID, repository.PromptStatusSent); n != 1 {
		t.Fatalf("setup: open prompts = %d, want 1", n)
	}

	supervisor := uuid.New()
	if _, err := env.svc.Claim(context.Background(), key, uuid.New()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := env.svc.Unassign(context.Background(), key, supervisor, false); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("unassign without override = %v, want Forbidden", err)
	}

	updated, err := env.svc.Unassign(context.Background(), key, supervisor, true)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if updated.Status != string(domain.StatusHuman) || updated.AssignedAgent != nil {
		t.Fatalf("unexpected state after unassign: %+v", updated)
	}
	if n, _ := env.store.CountPromptsByStatus(context.Background(), conv.ID, repository.PromptStatusSent); n != 0 {
		t.Fatalf("open prompts after unassign = %d, want 0", n)
	}
	if n, _ := env.store.CountPromptsByStatus(context.Background(), conv.ID, repository.PromptStatusCancelled); n != 1 {
		t.Fatalf("cancelled prompts = %d, want 1", n)
	}
}

func TestClosedWhatsAppConversationRespawns(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})

	first := env.mustIngestWhatsApp(t, "+31612345678", "hello")
	if _, err := env.svc.CloseChat(context.Background(), first.ConversationKey, nil, "inactivity"); err != nil {
		t.Fatalf("close: %v", err)
	}
	closedMsgs := len(env.messages(t, first.ConversationKey))

	second := env.mustIngestWhatsApp(t, "+31612345678", "hello again")
	if second.ConversationKey == first.ConversationKey {
		t.Fatal("closed conversation must spawn a fresh one")
	}
	if !strings.HasPrefix(second.ConversationKey, "+31612345678@") {
		t.Fatalf("derived key = %q", second.ConversationKey)
	}
	if second.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("respawned status = %s, want bot", second.Conversation.Status)
	}
	if got := len(env.messages(t, first.ConversationKey)); got != closedMsgs {
		t.Fatalf("closed conversation mutated: %d -> %d messages", closedMsgs, got)
	}
}

func TestClosedWebSessionRespawns(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})

	session, err := env.svc.StartWebSession(context.Background(), "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.svc.CloseChat(context.Background(), session.ConversationKey, nil, "resolved"); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := env.svc.IngestWebMessage(context.Background(), WebMessageParams{
		SessionToken: session.ConversationKey,
		Body:         "still there?",
		DisplayName:  "Anna",
	})
	if err != nil {
		t.Fatalf("ingest after close: %v", err)
	}
	if res.ConversationKey == session.ConversationKey {
		t.Fatal("expected a fresh session token")
	}
	if res.Conversation.VisitorID != session.Conversation.VisitorID {
		t.Fatalf("respawn changed visitor: %s -> %s",
			session.Conversation.VisitorID, res.Conversation.VisitorID)
	}
	if res.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("respawned status = %s, want bot", res.Conversation.Status)
	}

	// identity details still land on the one visitor row
	if n := len(env.store.visitors); n != 1 {
		t.Fatalf("visitor rows = %d, want 1", n)
	}
	visitor, err := env.store.GetVisitor(context.Background(), session.Conversation.VisitorID)
	if err != nil {
		t.Fatalf("get visitor: %v", err)
	}
	if visitor.DisplayName == nil || *visitor.DisplayName != "Anna" {
		t.Fatalf("display name = %v, want Anna", visitor.DisplayName)
	}
}

func TestStartWebSessionRespawnsClosedToken(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})

	session, err := env.svc.StartWebSession(context.Background(), "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.svc.CloseChat(context.Background(), session.ConversationKey, nil, "resolved"); err != nil {
		t.Fatalf("close: %v", err)
	}

	fresh, err := env.svc.StartWebSession(context.Background(), session.ConversationKey)
	if err != nil {
		t.Fatalf("restart session: %v", err)
	}
	if fresh.ConversationKey == session.ConversationKey {
		t.Fatal("closed token must not be reused")
	}
	if fresh.Conversation.VisitorID != session.Conversation.VisitorID {
		t.Fatalf("respawn changed visitor: %s -> %s",
			session.Conversation.VisitorID, fresh.Conversation.VisitorID)
	}
	if fresh.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("respawned status = %s, want bot", fresh.Conversation.Status)
	}
}

func TestAgentHandoffPromptFlow(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})
	res := env.mustIngestWhatsApp(t, "+31612345678", "hello")
	agent := uuid.New()

	prompt, err := env.svc.OfferHandoff(context.Background(), res.ConversationKey, agent, "complex billing question")
	if err != nil {
		t.Fatalf("offer handoff: %v", err)
	}
	if prompt.Status != repository.PromptStatusSent {
		t.Fatalf("prompt status = %s, want sent", prompt.Status)
	}

	// second open prompt is blocked
	if _, err := env.svc.OfferHandoff(context.Background(), res.ConversationKey, agent, ""); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}

	// decline keeps the bot and frees the prompt slot
	declined, err := env.svc.IngestWhatsAppMessage(context.Background(), WhatsAppMessageParams{
		FromNumber:  "+31612345678",
		PromptReply: PromptReplyDecline,
	})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Conversation.Status != string(domain.StatusBot) {
		t.Fatalf("declined status = %s, want bot", declined.Conversation.Status)
	}
	if _, err := env.svc.OfferHandoff(context.Background(), res.ConversationKey, agent, ""); err != nil {
		t.Fatalf("prompt after decline should be allowed: %v", err)
	}

	// accept escalates
	accepted, err := env.svc.IngestWhatsAppMessage(context.Background(), WhatsAppMessageParams{
		FromNumber:  "+31612345678",
		PromptReply: PromptReplyAccept,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Conversation.Status != string(domain.StatusHuman) {
		t.Fatalf("accepted status = %s, want human", accepted.Conversation.Status)
	}
	if got := env.bus.count(events.NameChatEscalated); got != 1 {
		t.Fatalf("chat.escalated broadcasts = %d, want 1", got)
	}
}

func TestAcceptWithoutPromptStillEscalates(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})
	res := env.mustIngestWhatsApp(t, "+31612345678", "hello")

	accepted, err := env.svc.IngestWhatsAppMessage(context.Background(), WhatsAppMessageParams{
		FromNumber:  "+31612345678",
		PromptReply: PromptReplyAccept,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.ConversationKey != res.ConversationKey {
		t.Fatalf("accept landed in wrong conversation")
	}
	if accepted.Conversation.Status != string(domain.StatusHuman) {
		t.Fatalf("status = %s, want human", accepted.Conversation.Status)
	}
}

func TestVisitorUpsertNeverBlanksKnownFields(t *testing.T) {
	env := newTestEnv(&stubGenerator{result: responder.Result{Reply: "ok"}})

	env.svc.IngestWhatsAppMessage(context.Background(), WhatsAppMessageParams{
		FromNumber:  "+31612345678",
		DisplayName: "Anna",
		Body:        "hi",
	})
	res := env.mustIngestWhatsApp(t, "+31612345678", "me again")

	visitor, err := env.store.GetVisitor(context.Background(), res.Conversation.VisitorID)
	if err != nil {
		t.Fatalf("get visitor: %v", err)
	}
	if visitor.DisplayName == nil || *visitor.DisplayName != "Anna" {
		t.Fatalf("display name was blanked: %+v", visitor.DisplayName)
	}
}

func TestAgentMessageMirroredToWhatsApp(t *testing.T) {
	env := newTestEnv(nil)
	key := escalated(t, env)
	agent := uuid.New()
	if _, err := env.svc.Claim(context.Background(), key, agent); err != nil {
		t.Fatalf("claim: %v", err)
	}
	sendsBefore := len(env.transport.sent)

	msg, err := env.svc.SendAgentMessage(context.Background(), key, agent, "We will refund you today.", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(env.transport.sent) != sendsBefore+1 {
		t.Fatalf("transport sends = %d, want %d", len(env.transport.sent), sendsBefore+1)
	}

	// provider id recorded for later status callbacks
	msgs := env.messages(t, key)
	last := msgs[len(msgs)-1]
	if last.ID != msg.ID || last.ProviderMessageID == nil {
		t.Fatalf("provider message id not recorded: %+v", last)
	}

	ok, err := env.store.UpdateDeliveryStatus(context.Background(), *last.ProviderMessageID, "delivered")
	if err != nil || !ok {
		t.Fatalf("status merge failed: ok=%v err=%v", ok, err)
	}

	// non-owner rejected
	if _, err := env.svc.SendAgentMessage(context.Background(), key, uuid.New(), "hi", ""); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}
