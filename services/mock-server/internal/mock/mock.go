package mock

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/smsledger/internal/models"
)

const dateLayout = time.RFC1123Z

var (
	bodies = []string{
		"Your verification code is 482913",
		"Reminder: your appointment is tomorrow at 10am",
		"Your order has shipped",
		"Thanks for signing up! Reply STOP to unsubscribe",
		"Flash sale ends tonight",
		"Your table is ready",
	}
	replies = []string{
		"STOP",
		"Stop",
		"yes",
		"thanks!",
		"please stop texting me",
		"remove me",
		"unsubscribe",
		"ok see you then",
	}
	failures = []struct {
		code   int
		status string
		msg    string
	}{
		{30003, "undelivered", "Unreachable destination handset"},
		{30005, "undelivered", "Unknown destination handset"},
		{30006, "undelivered", "Landline or unreachable carrier"},
		{30007, "failed", "Carrier violation"},
		{30008, "undelivered", "Unknown error"},
		{21610, "failed", "Attempt to send to unsubscribed recipient"},
	}
)

// Message is one stored log entry plus the instant it was last touched, used
// for DateSent filtering.
type Message struct {
	models.ProviderMessage
	created time.Time
}

// Log is an in-memory SignalWire message log.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	rng      *rand.Rand
	now      func() time.Time

	failMu     sync.Mutex
	failStatus int
	failCount  int
}

func NewLog(seed uint64) *Log {
	return &Log{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
}

// Generate adds n messages created within the trailing lookback. Outbound
// messages get a terminal status; about one in ten is an inbound reply.
func (l *Log) Generate(n int, lookback time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	for i := 0; i < n; i++ {
		offset := time.Duration(l.rng.Int64N(int64(lookback)))
		created := now.Add(-offset).Truncate(time.Second)
		l.messages = append(l.messages, l.generate(created))
	}
	return len(l.messages)
}

func (l *Log) generate(created time.Time) Message {
	to := fmt.Sprintf("+1555%07d", l.rng.IntN(10_000_000))
	from := "+15550000100"

	msg := models.ProviderMessage{
		SID:         "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		DateCreated: created.Format(dateLayout),
		DateUpdated: created.Format(dateLayout),
		To:          to,
		From:        from,
		Direction:   "outbound-api",
		ErrorCode:   []byte("null"),
		NumMedia:    "0",
		NumSegments: "1",
	}

	if l.rng.IntN(10) == 0 {
		body := replies[l.rng.IntN(len(replies))]
		msg.To, msg.From = from, to
		msg.Direction = "inbound"
		msg.Status = "received"
		msg.Body = &body
		msg.DateSent = created.Format(dateLayout)
		return Message{ProviderMessage: msg, created: created}
	}

	body := bodies[l.rng.IntN(len(bodies))]
	msg.Body = &body
	if l.rng.IntN(8) == 0 {
		msg.NumMedia = "1"
	}
	price := fmt.Sprintf("-%.5f", 0.0079*float64(1+l.rng.IntN(2)))
	msg.Price = &price

	sent := created.Add(time.Duration(200+l.rng.IntN(2800)) * time.Millisecond)
	msg.DateSent = sent.Format(dateLayout)
	msg.DateUpdated = sent.Add(time.Duration(1+l.rng.IntN(30)) * time.Second).Format(dateLayout)

	switch r := l.rng.IntN(100); {
	case r < 82:
		msg.Status = "delivered"
	case r < 88:
		msg.Status = "sent"
	default:
		f := failures[l.rng.IntN(len(failures))]
		code := strconv.Itoa(f.code)
		msg.Status = f.status
		msg.ErrorCode = []byte(code)
		msg.ErrorMessage = &f.msg
	}
	return Message{ProviderMessage: msg, created: created}
}

// Add stores messages as given.
func (l *Log) Add(msgs ...models.ProviderMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		created, err := time.Parse(dateLayout, m.DateCreated)
		if err != nil {
			created = l.now().UTC()
		}
		l.messages = append(l.messages, Message{ProviderMessage: m, created: created})
	}
}

// Settle moves messages still in "sent" to a terminal status, as carriers
// report back.
func (l *Log) Settle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC().Format(dateLayout)
	settled := 0
	for i := range l.messages {
		m := &l.messages[i]
		if m.Status != "sent" {
			continue
		}
		if l.rng.IntN(5) == 0 {
			f := failures[l.rng.IntN(len(failures))]
			m.Status = f.status
			m.ErrorCode = []byte(strconv.Itoa(f.code))
			m.ErrorMessage = &f.msg
		} else {
			m.Status = "delivered"
		}
		m.DateUpdated = now
		settled++
	}
	return settled
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Query filters by calendar day of creation: since is inclusive, until
// exclusive. Either may be zero. Results are newest first.
func (l *Log) Query(since, until time.Time) []models.ProviderMessage {
	l.mu.RLock()
	matched := make([]Message, 0, len(l.messages))
	for _, m := range l.messages {
		if !since.IsZero() && m.created.Before(since) {
			continue
		}
		if !until.IsZero() && !m.created.Before(until) {
			continue
		}
		matched = append(matched, m)
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].created.Equal(matched[j].created) {
			return matched[i].SID < matched[j].SID
		}
		return matched[i].created.After(matched[j].created)
	})

	out := make([]models.ProviderMessage, len(matched))
	for i, m := range matched {
		out[i] = m.ProviderMessage
	}
	return out
}

// FailNext makes the next n list requests answer with status.
func (l *Log) FailNext(n, status int) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	l.failCount = n
	l.failStatus = status
}

func (l *Log) takeFailure() (int, bool) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	if l.failCount <= 0 {
		return 0, false
	}
	l.failCount--
	return l.failStatus, true
}
