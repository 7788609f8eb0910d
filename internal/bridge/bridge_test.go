package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/signalbus/internal/archive"
	"github.com/nugget/signalbus/internal/authz"
)

const account = "+15550000"

// fakeGateway records outbound calls and fails on demand.
type fakeGateway struct {
	sendErr   error
	typingErr error

	sent   []sentMessage
	typing []string
	hidden []string
}

type sentMessage struct {
	message   string
	recipient string
	groupID   string
}

func (g *fakeGateway) SendMessage(_ context.Context, message, recipient, groupID string) error {
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentMessage{message, recipient, groupID})
	return nil
}

func (g *fakeGateway) IndicateTyping(_ context.Context, recipient string) error {
	g.typing = append(g.typing, recipient)
	return g.typingErr
}

func (g *fakeGateway) HideTyping(_ context.Context, recipient string) error {
	g.hidden = append(g.hidden, recipient)
	return nil
}

// fakeAssistant returns a canned reply and records questions.
type fakeAssistant struct {
	reply string
	err   error

	questions []string
	sessions  []string
}

func (a *fakeAssistant) Ask(_ context.Context, message, userID string) (string, error) {
	a.questions = append(a.questions, message)
	a.sessions = append(a.sessions, userID)
	if a.err != nil {
		return "", a.err
	}
	return a.reply, nil
}

// fakeResolver maps internal ids to public ids.
type fakeResolver struct {
	groups map[string]string
	err    error
}

func (r *fakeResolver) Resolve(_ context.Context, internalID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	pub, ok := r.groups[internalID]
	if !ok {
		return "", errors.New("unknown group")
	}
	return pub, nil
}

// fakeArchiver collects enqueued records.
type fakeArchiver struct {
	records []archive.Record
	err     error
}

func (f *fakeArchiver) Enqueue(rec archive.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type routerFixture struct {
	router    *Router
	gateway   *fakeGateway
	assistant *fakeAssistant
	resolver  *fakeResolver
	archiver  *fakeArchiver
}

func newFixture(whitelist []string) *routerFixture {
	f := &routerFixture{
		gateway:   &fakeGateway{},
		assistant: &fakeAssistant{reply: "canned reply"},
		resolver:  &fakeResolver{groups: map[string]string{"INT1": "PUB1"}},
		archiver:  &fakeArchiver{},
	}
	f.router = NewRouter(RouterConfig{
		Account:   account,
		Gateway:   f.gateway,
		Assistant: f.assistant,
		Resolver:  f.resolver,
		Authz:     authz.New(whitelist, nil),
		Archiver:  f.archiver,
	})
	return f
}

func directPayload(source, message string) []byte {
	return []byte(`{
		"source": "` + source + `",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"serverDeliveredTimestamp": 1700000000200,
		"dataMessage": {"timestamp": 1700000000000, "message": "` + message + `"}
	}`)
}

func TestRouter_DirectMessageFlowsEndToEnd(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.router.HandleMessage(context.Background(), directPayload("+15550001", "hello"))

	if len(f.archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archiver.records))
	}
	rec := f.archiver.records[0]
	if rec.Target != account || rec.Source != "+15550001" {
		t.Errorf("record target/source = %q/%q", rec.Target, rec.Source)
	}
	if rec.GroupChat != nil {
		t.Errorf("GroupChat = %v, want nil for direct message", *rec.GroupChat)
	}
	if rec.Content == nil || *rec.Content != "hello" {
		t.Errorf("Content = %v, want hello", rec.Content)
	}
	if rec.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("Timestamp = %d", rec.Timestamp.UnixMilli())
	}
	if rec.SignalReceived.UnixMilli() != 1700000000100 {
		t.Errorf("SignalReceived = %d", rec.SignalReceived.UnixMilli())
	}
	if rec.SignalDelivered == nil || rec.SignalDelivered.UnixMilli() != 1700000000200 {
		t.Errorf("SignalDelivered = %v", rec.SignalDelivered)
	}

	if len(f.gateway.typing) != 1 || f.gateway.typing[0] != "+15550001" {
		t.Errorf("typing indicators = %v, want the sender", f.gateway.typing)
	}
	if len(f.assistant.sessions) != 1 || f.assistant.sessions[0] != "+15550001" {
		t.Errorf("assistant sessions = %v, want the sender", f.assistant.sessions)
	}
	if len(f.gateway.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(f.gateway.sent))
	}
	sent := f.gateway.sent[0]
	if sent.message != "canned reply" || sent.recipient != "+15550001" || sent.groupID != "" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestRouter_UnauthorizedSenderLeavesNoTrace(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.router.HandleMessage(context.Background(), directPayload("+15559999", "hello"))

	if len(f.archiver.records) != 0 {
		t.Errorf("unauthorized message was archived: %+v", f.archiver.records)
	}
	if len(f.gateway.typing) != 0 || len(f.gateway.sent) != 0 {
		t.Error("gateway was called for an unauthorized sender")
	}
	if len(f.assistant.questions) != 0 {
		t.Error("assistant was called for an unauthorized sender")
	}
}

func TestRouter_GroupWithoutMentionArchivesOnly(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "group chatter",
			"groupInfo": {"groupId": "INT1", "type": "DELIVER"}
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archiver.records))
	}
	rec := f.archiver.records[0]
	if rec.GroupChat == nil || *rec.GroupChat != "PUB1" {
		t.Errorf("GroupChat = %v, want PUB1", rec.GroupChat)
	}
	if len(f.assistant.questions) != 0 || len(f.gateway.sent) != 0 || len(f.gateway.typing) != 0 {
		t.Error("group message without mention must not reach the assistant or gateway")
	}
}

func TestRouter_GroupWithMentionRepliesToGroup(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "hey bot",
			"mentions": [{"name": "` + account + `", "start": 0, "length": 1}],
			"groupInfo": {"groupId": "INT1", "type": "DELIVER"}
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.assistant.sessions) != 1 || f.assistant.sessions[0] != "PUB1" {
		t.Errorf("assistant session = %v, want the public group id", f.assistant.sessions)
	}
	if len(f.gateway.typing) != 1 || f.gateway.typing[0] != "PUB1" {
		t.Errorf("typing recipient = %v, want PUB1", f.gateway.typing)
	}
	if len(f.gateway.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(f.gateway.sent))
	}
	sent := f.gateway.sent[0]
	if sent.recipient != "+15550001" || sent.groupID != "PUB1" {
		t.Errorf("sent = %+v, want recipient=+15550001 groupID=PUB1", sent)
	}

	rec := f.archiver.records[0]
	if rec.Mentions == nil {
		t.Fatal("mentions were not archived")
	}
	var mentions []map[string]any
	if err := json.Unmarshal([]byte(*rec.Mentions), &mentions); err != nil {
		t.Fatalf("mentions column is not valid JSON: %v", err)
	}
	if len(mentions) != 1 || mentions[0]["name"] != account {
		t.Errorf("mentions = %s", *rec.Mentions)
	}
}

func TestRouter_MentionOfSomeoneElseDoesNotTrigger(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "hey you",
			"mentions": [{"name": "+15557777", "start": 0, "length": 1}],
			"groupInfo": {"groupId": "INT1", "type": "DELIVER"}
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.assistant.questions) != 0 || len(f.gateway.sent) != 0 {
		t.Error("mention of a different account must not trigger a reply")
	}
	if len(f.archiver.records) != 1 {
		t.Errorf("archived %d records, want 1", len(f.archiver.records))
	}
}

func TestRouter_StickerSynthesizesText(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "",
			"sticker": {"packId": "abc", "stickerId": 4}
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archiver.records))
	}
	if c := f.archiver.records[0].Content; c == nil || *c != "STICKER" {
		t.Errorf("Content = %v, want STICKER", c)
	}
	if len(f.assistant.questions) != 1 || f.assistant.questions[0] != "STICKER" {
		t.Errorf("assistant saw %v, want STICKER", f.assistant.questions)
	}
}

func TestRouter_AttachmentSynthesizesText(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "",
			"attachments": [{"contentType": "image/jpeg", "id": "a1", "size": 1024}]
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archiver.records))
	}
	if c := f.archiver.records[0].Content; c == nil || *c != "ATTACHMENT" {
		t.Errorf("Content = %v, want ATTACHMENT", c)
	}
}

func TestRouter_AssistantFailureHidesTypingAndKeepsRecord(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.assistant.err = errors.New("assistant returned status 500")

	f.router.HandleMessage(context.Background(), directPayload("+15550001", "hello"))

	if len(f.archiver.records) != 1 {
		t.Errorf("inbound record missing after assistant failure")
	}
	if len(f.gateway.hidden) != 1 || f.gateway.hidden[0] != "+15550001" {
		t.Errorf("typing indicator not cleaned up: %v", f.gateway.hidden)
	}
	if len(f.gateway.sent) != 0 {
		t.Error("reply sent despite assistant failure")
	}
}

func TestRouter_EmptyReplySendsNothing(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.assistant.reply = ""

	f.router.HandleMessage(context.Background(), directPayload("+15550001", "hello"))

	if len(f.gateway.sent) != 0 {
		t.Errorf("sent %v for an empty assistant reply", f.gateway.sent)
	}
	if len(f.gateway.hidden) != 0 {
		t.Error("empty reply is not a failure, typing must not be hidden")
	}
}

func TestRouter_NoDataMessageIgnored(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"syncMessage": {"readMessages": []}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.archiver.records) != 0 || len(f.assistant.questions) != 0 || len(f.gateway.sent) != 0 {
		t.Error("envelope without data message must be a no-op")
	}
}

func TestRouter_MalformedPayloadIgnored(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.router.HandleMessage(context.Background(), []byte(`{"source": `))

	if len(f.archiver.records) != 0 || len(f.gateway.sent) != 0 {
		t.Error("malformed payload must be dropped without side effects")
	}
}

func TestRouter_ResolverFailureDegradesToDirect(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.resolver.err = errors.New("gateway unreachable")
	payload := []byte(`{
		"source": "+15550001",
		"timestamp": 1700000000000,
		"serverReceivedTimestamp": 1700000000100,
		"dataMessage": {
			"timestamp": 1700000000000,
			"message": "hey bot",
			"mentions": [{"name": "` + account + `", "start": 0, "length": 1}],
			"groupInfo": {"groupId": "INT1", "type": "DELIVER"}
		}
	}`)
	f.router.HandleMessage(context.Background(), payload)

	if len(f.archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archiver.records))
	}
	if f.archiver.records[0].GroupChat != nil {
		t.Errorf("GroupChat = %v, want nil when resolution fails", *f.archiver.records[0].GroupChat)
	}
	// With no public group id the conversation falls back to the sender.
	if len(f.assistant.sessions) != 1 || f.assistant.sessions[0] != "+15550001" {
		t.Errorf("assistant session = %v, want the sender", f.assistant.sessions)
	}
	if len(f.gateway.sent) != 1 || f.gateway.sent[0].groupID != "" {
		t.Errorf("sent = %+v, want direct addressing", f.gateway.sent)
	}
}

func TestRouter_ArchiveFailureDoesNotBlockReply(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.archiver.err = archive.ErrWriterClosed

	f.router.HandleMessage(context.Background(), directPayload("+15550001", "hello"))

	if len(f.gateway.sent) != 1 {
		t.Errorf("reply not sent after archive failure: %v", f.gateway.sent)
	}
}

func TestRouter_TypingFailureDoesNotBlockReply(t *testing.T) {
	f := newFixture([]string{"+15550001"})
	f.gateway.typingErr = errors.New("boom")

	f.router.HandleMessage(context.Background(), directPayload("+15550001", "hello"))

	if len(f.gateway.sent) != 1 {
		t.Error("reply not sent after typing indicator failure")
	}
}

func TestRouter_PerSenderRateLimit(t *testing.T) {
	f := newFixture([]string{"+15550001", "+15550002"})
	f.router.rateLimit = 1

	f.router.HandleMessage(context.Background(), directPayload("+15550001", "one"))
	f.router.HandleMessage(context.Background(), directPayload("+15550001", "two"))
	// A different sender has its own budget.
	f.router.HandleMessage(context.Background(), directPayload("+15550002", "three"))

	if len(f.gateway.sent) != 2 {
		t.Fatalf("sent %d replies, want 2 (second message from the same sender limited)", len(f.gateway.sent))
	}
	if got := strings.Join(f.assistant.questions, ","); got != "one,three" {
		t.Errorf("assistant questions = %q, want one,three", got)
	}
}
