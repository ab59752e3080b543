package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"relay/internal/models"
	"relay/internal/notify"
	"relay/internal/registry"
	"relay/internal/store"
	"relay/internal/vault"
)

type testEnv struct {
	st     *store.Store
	srv    *IMAPServer
	reg    *registry.Registry
	user   *models.User
	secret string
}

// setupIMAP builds a complete server over a temp database with one
// provisioned user holding an imap-scoped key.
func setupIMAP(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "imap.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	user, err := st.GetOrCreateUser(context.Background(), "https://issuer.example", "sub-1", "alice@example.com")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	v := vault.New(st, nil)
	v.Cost = bcrypt.MinCost
	t.Cleanup(v.Close)

	secret, prefix, hash, err := v.Generate()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	key := &models.APIKey{
		UserID:    user.ID,
		Name:      "test",
		KeyPrefix: prefix,
		KeyHash:   hash,
		Scopes:    []string{models.ScopeIMAP},
	}
	if err := st.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("Failed to store key: %v", err)
	}

	reg := registry.New()
	o := Options{
		Store:                 st,
		Vault:                 v,
		Registry:              reg,
		Bus:                   notify.New(),
		ServerName:            "relay",
		MaxConnectionsPerUser: 8,
		SessionTimeout:        10 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}

	return &testEnv{st: st, srv: New(o), reg: reg, user: user, secret: secret}
}

func (env *testEnv) insertEmail(t *testing.T, subject string, receivedAt time.Time) *models.Email {
	t.Helper()
	e := &models.Email{
		MessageID:   subject + "@test.example",
		FromAddress: "sender@remote.example",
		FromName:    "Sender",
		Subject:     subject,
		TextBody:    "body of " + subject,
		SizeBytes:   2048,
		ReceivedAt:  receivedAt,
		Recipients: []models.Recipient{
			{Address: "alice@example.com", Type: models.RecipientTo},
		},
	}
	if err := env.st.InsertEmail(context.Background(), e); err != nil {
		t.Fatalf("Failed to insert email: %v", err)
	}
	return e
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// dial connects a client to a fresh server session.
func (env *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go env.srv.HandleConnection(context.Background(), serverSide)
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	return &testClient{t: t, conn: clientSide, reader: bufio.NewReader(clientSide)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// command sends a line and collects all responses up to and including
// the tagged completion for tag.
func (c *testClient) command(tag, line string) []string {
	c.t.Helper()
	c.send(line)
	var lines []string
	for {
		l := c.readLine()
		lines = append(lines, l)
		if strings.HasPrefix(l, tag+" ") {
			return lines
		}
	}
}

// login reads the greeting and authenticates.
func (c *testClient) login(env *testEnv) {
	c.t.Helper()
	if greeting := c.readLine(); !strings.HasPrefix(greeting, "* OK relay") {
		c.t.Fatalf("Unexpected greeting: %s", greeting)
	}
	lines := c.command("a0", fmt.Sprintf("a0 LOGIN alice@example.com %s", env.secret))
	last := lines[len(lines)-1]
	if !strings.Contains(last, "OK LOGIN completed") {
		c.t.Fatalf("Login failed: %v", lines)
	}
}

func (c *testClient) selectInbox() {
	c.t.Helper()
	lines := c.command("s1", "s1 SELECT INBOX")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "OK [READ-WRITE] SELECT completed") {
		c.t.Fatalf("SELECT failed: %v", lines)
	}
}

func TestGreeting(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)

	greeting := c.readLine()
	if greeting != "* OK relay IMAP4rev2 server ready" {
		t.Errorf("Unexpected greeting: %s", greeting)
	}
}

func TestLogin_Success(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("a1", fmt.Sprintf("a1 LOGIN alice@example.com %s", env.secret))
	if len(lines) != 2 {
		t.Fatalf("Expected capability + tagged OK, got %v", lines)
	}
	if lines[0] != "* CAPABILITY IMAP4rev2 AUTH=PLAIN LITERAL+ ENABLE UNSELECT UIDPLUS CHILDREN" {
		t.Errorf("Unexpected capability line: %s", lines[0])
	}
	if lines[1] != "a1 OK LOGIN completed" {
		t.Errorf("Unexpected completion: %s", lines[1])
	}
}

func TestLogin_WrongSecret(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("d1", "d1 LOGIN alice@example.com wrongpassword")
	if lines[len(lines)-1] != "d1 NO Authentication failed" {
		t.Errorf("Expected 'd1 NO Authentication failed', got %v", lines)
	}
}

func TestLogin_MissingScopeIsNotLeaked(t *testing.T) {
	env := setupIMAP(t)

	// A valid key without the imap scope fails identically to a bad
	// password.
	v := vault.New(env.st, nil)
	v.Cost = bcrypt.MinCost
	defer v.Close()
	secret, prefix, hash, _ := v.Generate()
	_ = env.st.CreateAPIKey(context.Background(), &models.APIKey{
		UserID: env.user.ID, Name: "smtp-only", KeyPrefix: prefix, KeyHash: hash,
		Scopes: []string{models.ScopeSMTP},
	})

	c := env.dial(t)
	c.readLine()
	lines := c.command("a1", "a1 LOGIN alice@example.com "+secret)
	if lines[len(lines)-1] != "a1 NO Authentication failed" {
		t.Errorf("Expected 'a1 NO Authentication failed', got %v", lines)
	}
}

func TestAuthenticatePlain_InitialResponse(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	ir := base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00" + env.secret))
	lines := c.command("c1", "c1 AUTHENTICATE PLAIN "+ir)
	if lines[len(lines)-1] != "c1 OK AUTHENTICATE completed" {
		t.Errorf("Expected 'c1 OK AUTHENTICATE completed', got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "* CAPABILITY ") {
		t.Errorf("Expected untagged CAPABILITY, got %v", lines)
	}
}

func TestAuthenticatePlain_Continuation(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	c.send("c1 AUTHENTICATE PLAIN")
	if cont := c.readLine(); cont != "+" {
		t.Fatalf("Expected '+' continuation, got %q", cont)
	}
	c.send(base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00" + env.secret)))

	var last string
	for {
		last = c.readLine()
		if strings.HasPrefix(last, "c1 ") {
			break
		}
	}
	if last != "c1 OK AUTHENTICATE completed" {
		t.Errorf("Expected 'c1 OK AUTHENTICATE completed', got %s", last)
	}
}

func TestAuthenticatePlain_Cancelled(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	c.send("c1 AUTHENTICATE PLAIN")
	c.readLine() // +
	c.send("*")
	if got := c.readLine(); got != "c1 BAD Authentication cancelled" {
		t.Errorf("Expected 'c1 BAD Authentication cancelled', got %s", got)
	}
}

func TestAuthenticate_UnsupportedMechanism(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("c1", "c1 AUTHENTICATE CRAM-MD5")
	if lines[len(lines)-1] != "c1 NO Unsupported authentication mechanism" {
		t.Errorf("Expected unsupported mechanism reply, got %v", lines)
	}
}

func TestSelect_ResponseOrder(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	first := env.insertEmail(t, "first", base)
	env.insertEmail(t, "second", base.Add(time.Hour))
	if err := env.st.SetFlags(context.Background(), env.user.ID, first.ID, models.FlagSeen); err != nil {
		t.Fatalf("Failed to mark seen: %v", err)
	}

	c := env.dial(t)
	c.login(env)

	lines := c.command("a2", "a2 SELECT INBOX")
	if len(lines) != 6 {
		t.Fatalf("Expected 6 response lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != `* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)` {
		t.Errorf("Unexpected FLAGS line: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], `* OK [PERMANENTFLAGS (\Seen \Answered \Flagged \Deleted \Draft \*)]`) {
		t.Errorf("Unexpected PERMANENTFLAGS line: %s", lines[1])
	}
	if lines[2] != "* 2 EXISTS" {
		t.Errorf("Unexpected EXISTS line: %s", lines[2])
	}
	if !strings.HasPrefix(lines[3], "* OK [UIDVALIDITY ") {
		t.Errorf("Unexpected UIDVALIDITY line: %s", lines[3])
	}
	if !strings.HasPrefix(lines[4], "* OK [UIDNEXT 3]") {
		t.Errorf("Unexpected UIDNEXT line: %s", lines[4])
	}
	if lines[5] != "a2 OK [READ-WRITE] SELECT completed" {
		t.Errorf("Unexpected completion: %s", lines[5])
	}
}

func TestSelect_UnknownMailbox(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.login(env)

	lines := c.command("a2", "a2 SELECT Archive")
	if lines[len(lines)-1] != "a2 NO Mailbox does not exist" {
		t.Errorf("Expected 'NO Mailbox does not exist', got %v", lines)
	}
}

func TestFetch_FlagsAndSize(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	first := env.insertEmail(t, "first", base)
	env.insertEmail(t, "second", base.Add(time.Hour))
	_ = env.st.SetFlags(context.Background(), env.user.ID, first.ID, models.FlagSeen)

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("a3", "a3 FETCH 1:2 (UID FLAGS RFC822.SIZE)")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %v", lines)
	}
	if lines[0] != `* 1 FETCH (UID 1 FLAGS (\Seen) RFC822.SIZE 2048)` {
		t.Errorf("Unexpected line: %s", lines[0])
	}
	if lines[1] != `* 2 FETCH (UID 2 FLAGS () RFC822.SIZE 2048)` {
		t.Errorf("Unexpected line: %s", lines[1])
	}
	if lines[2] != "a3 OK FETCH completed" {
		t.Errorf("Unexpected completion: %s", lines[2])
	}
}

func TestFetch_BodyLiteralMarksSeen(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "readme", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	c.send("f1 FETCH 1 (BODY[])")
	header := c.readLine()
	if !strings.HasPrefix(header, "* 1 FETCH (BODY[] {") {
		t.Fatalf("Expected literal-framed body, got %s", header)
	}
	sizeStr := header[strings.Index(header, "{")+1 : strings.Index(header, "}")]
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		t.Fatalf("Bad literal length in %q: %v", header, err)
	}

	payload := make([]byte, size)
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		t.Fatalf("Failed to read literal: %v", err)
	}
	if !strings.Contains(string(payload), "Subject: readme") {
		t.Errorf("Literal does not look like the message: %q", payload)
	}
	if got := c.readLine(); got != ")" {
		t.Errorf("Expected closing paren, got %q", got)
	}
	if got := c.readLine(); got != "f1 OK FETCH completed" {
		t.Errorf("Unexpected completion: %s", got)
	}

	// The non-PEEK fetch persisted \Seen.
	unread, _ := env.st.UnreadCount(context.Background(), env.user.ID)
	if unread != 0 {
		t.Errorf("Expected 0 unread after BODY[] fetch, got %d", unread)
	}
}

func TestFetch_PeekDoesNotMarkSeen(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "readme", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	c.send("f1 FETCH 1 (BODY.PEEK[])")
	for {
		if l := c.readLine(); strings.HasPrefix(l, "f1 ") {
			break
		}
	}

	unread, _ := env.st.UnreadCount(context.Background(), env.user.ID)
	if unread != 1 {
		t.Errorf("Expected message to stay unread after PEEK, got %d unread", unread)
	}
}

func TestStoreExpungeCycle(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.insertEmail(t, "keep", base)
	env.insertEmail(t, "delete-me", base.Add(time.Hour))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("b1", `b1 STORE 2 +FLAGS (\Deleted)`)
	if lines[0] != `* 2 FETCH (FLAGS (\Deleted))` {
		t.Errorf("Unexpected STORE response: %v", lines)
	}
	if lines[len(lines)-1] != "b1 OK STORE completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}

	lines = c.command("b2", "b2 EXPUNGE")
	if lines[0] != "* 2 EXPUNGE" {
		t.Errorf("Expected '* 2 EXPUNGE', got %v", lines)
	}
	if lines[len(lines)-1] != "b2 OK EXPUNGE completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}

	// Remaining message keeps its UID; sequence numbers are dense again.
	lines = c.command("b3", "b3 FETCH 1:* (UID FLAGS)")
	if len(lines) != 2 {
		t.Fatalf("Expected one message left, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "* 1 FETCH (UID 1 ") {
		t.Errorf("Unexpected survivor: %s", lines[0])
	}
}

func TestStore_SilentSuppressesResponses(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("b1", `b1 STORE 1 +FLAGS.SILENT (\Flagged)`)
	if len(lines) != 1 {
		t.Errorf("Expected only the tagged completion, got %v", lines)
	}
}

func TestUIDStore_IncludesUIDInResponse(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("b1", `b1 UID STORE 1 +FLAGS (\Answered)`)
	if lines[0] != `* 1 FETCH (UID 1 FLAGS (\Answered))` {
		t.Errorf("Unexpected response: %v", lines)
	}
	if lines[len(lines)-1] != "b1 OK UID STORE completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}
}

func TestStore_DeletedLimitStopsAtCap(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	total := models.MaxDeletedUIDs + 1
	for i := 0; i < total; i++ {
		env.insertEmail(t, fmt.Sprintf("bulk-%05d", i), base.Add(time.Duration(i)*time.Second))
	}

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("d1", fmt.Sprintf("d1 STORE 1:%d +FLAGS.SILENT (\\Deleted)", total))
	if lines[len(lines)-1] != "d1 NO Maximum deleted messages limit reached" {
		t.Fatalf("Expected the deleted-messages cap reply, got %v", lines)
	}

	// The message past the cap must be left untouched.
	rows, err := env.st.LoadMailbox(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("Failed to load mailbox: %v", err)
	}
	deleted := 0
	for _, r := range rows {
		if r.Flags.Has(models.FlagDeleted) {
			deleted++
		}
	}
	if deleted != models.MaxDeletedUIDs {
		t.Errorf("Expected exactly %d persisted \\Deleted flags, got %d", models.MaxDeletedUIDs, deleted)
	}
}

func TestExamine_IsReadOnly(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)

	lines := c.command("e1", "e1 EXAMINE INBOX")
	if lines[len(lines)-1] != "e1 OK [READ-ONLY] EXAMINE completed" {
		t.Errorf("Expected READ-ONLY completion, got %v", lines)
	}

	lines = c.command("e2", `e2 STORE 1 +FLAGS (\Deleted)`)
	if lines[len(lines)-1] != "e2 NO Mailbox is read-only" {
		t.Errorf("Expected read-only rejection, got %v", lines)
	}
}

func TestSearch_FlagCriteria(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	first := env.insertEmail(t, "seen", base)
	env.insertEmail(t, "unseen", base.Add(time.Hour))
	_ = env.st.SetFlags(context.Background(), env.user.ID, first.ID, models.FlagSeen)

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("s2", "s2 SEARCH UNSEEN")
	if lines[0] != "* SEARCH 2" {
		t.Errorf("Expected '* SEARCH 2', got %v", lines)
	}

	lines = c.command("s3", "s3 SEARCH ALL")
	if lines[0] != "* SEARCH 1 2" {
		t.Errorf("Expected '* SEARCH 1 2', got %v", lines)
	}

	lines = c.command("s4", "s4 UID SEARCH SEEN")
	if lines[0] != "* SEARCH 1" {
		t.Errorf("Expected '* SEARCH 1', got %v", lines)
	}
}

func TestSearch_PendingDeletionsHidden(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.insertEmail(t, "a", base)
	env.insertEmail(t, "b", base.Add(time.Hour))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	c.command("x1", `x1 STORE 2 +FLAGS.SILENT (\Deleted)`)

	lines := c.command("x2", "x2 SEARCH ALL")
	if lines[0] != "* SEARCH 1" {
		t.Errorf("Expected pending deletion to be hidden, got %v", lines)
	}

	lines = c.command("x3", "x3 SEARCH DELETED")
	if lines[0] != "* SEARCH 2" {
		t.Errorf("Expected DELETED to surface the pending deletion, got %v", lines)
	}
}

func TestSearch_ExtendedCriteriaRejected(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("s2", "s2 SEARCH SUBJECT hello")
	if !strings.HasPrefix(lines[len(lines)-1], "s2 BAD") {
		t.Errorf("Expected BAD for extended criteria, got %v", lines)
	}
}

func TestStatus_ReportsRequestedItems(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.insertEmail(t, "a", base)
	env.insertEmail(t, "b", base.Add(time.Hour))

	c := env.dial(t)
	c.login(env)

	lines := c.command("t1", "t1 STATUS INBOX (MESSAGES UNSEEN UIDNEXT)")
	if lines[0] != "* STATUS INBOX (MESSAGES 2 UNSEEN 2 UIDNEXT 3)" {
		t.Errorf("Unexpected STATUS line: %s", lines[0])
	}
}

func TestList_SingleInbox(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.login(env)

	lines := c.command("l1", `l1 LIST "" "*"`)
	if lines[0] != `* LIST (\HasNoChildren) "/" "INBOX"` {
		t.Errorf("Unexpected LIST line: %s", lines[0])
	}
}

func TestEnable_UTF8Accept(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.login(env)

	lines := c.command("n1", "n1 ENABLE UTF8=ACCEPT CONDSTORE")
	if lines[0] != "* ENABLED UTF8=ACCEPT" {
		t.Errorf("Expected only UTF8=ACCEPT enabled, got %v", lines)
	}
	if lines[len(lines)-1] != "n1 OK ENABLE completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}
}

func TestClose_AppliesDeletionsSilently(t *testing.T) {
	env := setupIMAP(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.insertEmail(t, "a", base)
	env.insertEmail(t, "b", base.Add(time.Hour))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	c.command("x1", `x1 STORE 1 +FLAGS.SILENT (\Deleted)`)

	lines := c.command("x2", "x2 CLOSE")
	if len(lines) != 1 || lines[0] != "x2 OK CLOSE completed" {
		t.Errorf("Expected silent close, got %v", lines)
	}

	rows, _ := env.st.LoadMailbox(context.Background(), env.user.ID)
	if len(rows) != 1 || rows[0].Subject != "b" {
		t.Errorf("Expected only 'b' to survive, got %+v", rows)
	}
}

func TestUnselect_KeepsMessages(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	c.command("x1", `x1 STORE 1 +FLAGS.SILENT (\Deleted)`)
	lines := c.command("x2", "x2 UNSELECT")
	if lines[len(lines)-1] != "x2 OK UNSELECT completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}

	rows, _ := env.st.LoadMailbox(context.Background(), env.user.ID)
	if len(rows) != 1 {
		t.Errorf("UNSELECT must not expunge, got %d rows", len(rows))
	}
}

func TestUID_UnknownSubcommand(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("u1", "u1 UID COPY 1 Archive")
	if lines[len(lines)-1] != "u1 BAD Unknown UID subcommand" {
		t.Errorf("Expected unknown subcommand reply, got %v", lines)
	}
}

func TestCommand_InvalidForState(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("x1", "x1 FETCH 1 (FLAGS)")
	if lines[len(lines)-1] != "x1 BAD Command not valid in current state" {
		t.Errorf("Expected state rejection, got %v", lines)
	}
}

func TestCommand_Unknown(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("x1", "x1 XFROBNICATE")
	if lines[len(lines)-1] != "x1 BAD Unknown command" {
		t.Errorf("Expected 'BAD Unknown command', got %v", lines)
	}
}

func TestBadSequenceSet(t *testing.T) {
	env := setupIMAP(t)
	env.insertEmail(t, "a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	c := env.dial(t)
	c.login(env)
	c.selectInbox()

	lines := c.command("x1", "x1 FETCH abc (FLAGS)")
	if lines[len(lines)-1] != "x1 BAD Invalid sequence set" {
		t.Errorf("Expected 'BAD Invalid sequence set', got %v", lines)
	}
}

func TestParseError_TaggedWhenTagRecoverable(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("x1", `x1 LOGIN "alice`)
	if lines[len(lines)-1] != "x1 BAD Unbalanced quotes" {
		t.Errorf("Expected 'x1 BAD Unbalanced quotes', got %v", lines)
	}

	// The session survives the parse error.
	lines = c.command("x2", "x2 NOOP")
	if lines[len(lines)-1] != "x2 OK NOOP completed" {
		t.Errorf("Expected NOOP to succeed after parse error, got %v", lines)
	}
}

func TestParseError_UntaggedWhenTagUnrecoverable(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	c.send(`"x1 LOGIN alice`)
	if got := c.readLine(); got != "* BAD Unbalanced quotes" {
		t.Errorf("Expected '* BAD Unbalanced quotes', got %s", got)
	}
}

func TestLogout(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	lines := c.command("z1", "z1 LOGOUT")
	if lines[0] != "* BYE Logging out" {
		t.Errorf("Expected '* BYE Logging out', got %v", lines)
	}
	if lines[1] != "z1 OK LOGOUT completed" {
		t.Errorf("Unexpected completion: %v", lines)
	}
}

func TestConnectionCap(t *testing.T) {
	env := setupIMAP(t, func(o *Options) { o.MaxConnectionsPerUser = 1 })

	first := env.dial(t)
	first.login(env)

	second := env.dial(t)
	second.readLine()
	lines := second.command("f1", fmt.Sprintf("f1 LOGIN alice@example.com %s", env.secret))
	if lines[len(lines)-1] != "f1 NO Too many connections" {
		t.Errorf("Expected 'NO Too many connections', got %v", lines)
	}

	// Logging the first session out frees the slot. The release happens
	// as the connection goroutine unwinds, so poll briefly.
	first.command("z1", "z1 LOGOUT")
	deadline := time.Now().Add(2 * time.Second)
	for env.reg.Count(env.user.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connection slot was not released after LOGOUT")
		}
		time.Sleep(5 * time.Millisecond)
	}
	third := env.dial(t)
	third.login(env)
}

func TestSessionTimeout(t *testing.T) {
	env := setupIMAP(t, func(o *Options) { o.SessionTimeout = 100 * time.Millisecond })
	c := env.dial(t)
	c.readLine()

	if got := c.readLine(); got != "* BYE Session timeout" {
		t.Errorf("Expected '* BYE Session timeout', got %s", got)
	}
}

func TestLineTooLong(t *testing.T) {
	env := setupIMAP(t)
	c := env.dial(t)
	c.readLine()

	// Write in the background: the server stops reading mid-line, so a
	// synchronous write on the in-memory pipe would block.
	go func() {
		_, _ = c.conn.Write([]byte("x1 LOGIN " + strings.Repeat("a", 9000) + "\r\n"))
	}()
	if got := c.readLine(); got != "* BYE Line too long" {
		t.Errorf("Expected '* BYE Line too long', got %s", got)
	}
}

func TestUIDValidity_FromUserUUID(t *testing.T) {
	// First four bytes 0x12 0x34 0x56 0x78 big-endian.
	if got := uidValidity("12345678-9abc-4def-8123-456789abcdef"); got != 305419896 {
		t.Errorf("Expected 305419896, got %d", got)
	}
}

func TestUIDValidity_NeverZero(t *testing.T) {
	if got := uidValidity("00000000-0000-4000-8000-000000000000"); got != 1 {
		t.Errorf("Expected 1 for a zero prefix, got %d", got)
	}
}

func TestUIDValidity_StablePerUser(t *testing.T) {
	a := uidValidity("c56a4180-65aa-42ec-a945-5fd21dec0538")
	b := uidValidity("c56a4180-65aa-42ec-a945-5fd21dec0538")
	if a != b {
		t.Error("UIDVALIDITY must be stable for a user")
	}
}
