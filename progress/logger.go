package progress

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "progress")

// Event messages.
const (
	MessageStarted   = "Indexing started"
	MessageProgress  = "Indexing documents"
	MessageCompleted = "Indexing completed"
	MessageError     = "Indexing error"
)

// Fields is the data attached to an event.
type Fields map[string]any

// Event is what output channels receive. Entry is set for session events and
// carries the raw counters behind the display strings in Data.
type Event struct {
	Message string
	Data    Fields
	Entry   *Entry
}

// Channel renders events somewhere. Channels must not block for long and must
// not fail the caller; they report their own problems.
type Channel interface {
	Log(ctx context.Context, ev Event)
}

// Session is one logical indexing run, shared by every worker holding a slice
// of its chunk plan.
type Session interface {
	SessionID() string
	IndexableName() string
	DocumentCount(ctx context.Context) (int, error)
	ProcessCount() int
}

// Logger tracks a session's progress in a shared store and emits events to its
// channels.
type Logger struct {
	store       Store
	channels    []Channel
	environment string
	processID   string
	now         func() time.Time
}

// NewLogger returns a Logger keeping session state in store and sending
// events to channels. environment is reported with every session event.
func NewLogger(store Store, environment string, channels ...Channel) *Logger {
	return &Logger{
		store:       store,
		channels:    channels,
		environment: environment,
		processID:   ProcessID(),
		now:         time.Now,
	}
}

// ProcessID identifies this worker as host::pid.
func ProcessID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "::" + strconv.Itoa(os.Getpid())
}

func key(s Session) string { return KeyPrefix + s.SessionID() }

// Start initialises the session entry. It runs once per session, before any
// worker joins.
func (l *Logger) Start(ctx context.Context, s Session) error {
	total, err := s.DocumentCount(ctx)
	if err != nil {
		return fmt.Errorf("progress: count documents: %w", err)
	}

	e := Entry{
		StartTime:      l.now(),
		DocumentsTotal: int64(total),
		ProcessesTotal: int64(s.ProcessCount()),
	}
	if err := l.store.Start(ctx, key(s), e); err != nil {
		return err
	}

	l.logSession(ctx, MessageStarted, s, e)
	return nil
}

// Join records this worker under the session.
func (l *Logger) Join(ctx context.Context, s Session) error {
	_, err := l.store.AppendProcess(ctx, key(s), l.processID)
	return err
}

// Progress adds delta indexed documents to the session.
func (l *Logger) Progress(ctx context.Context, s Session, delta int) error {
	e, err := l.store.Increment(ctx, key(s), DocumentsIndexed, int64(delta))
	if err != nil {
		return err
	}
	l.logSession(ctx, MessageProgress, s, e)
	return nil
}

// Complete marks one worker done. The worker whose increment brings the
// completed count to the total emits the completed event and gets true.
func (l *Logger) Complete(ctx context.Context, s Session) (bool, error) {
	e, err := l.store.Increment(ctx, key(s), ProcessesCompleted, 1)
	if err != nil {
		return false, err
	}

	if e.ProcessesTotal == 0 {
		log.WithField("uuid", s.SessionID()).
			Warn("Session entry missing on completion, it may have outlived its ttl")
		return false, nil
	}
	if e.ProcessesCompleted != e.ProcessesTotal {
		return false, nil
	}

	l.logSession(ctx, MessageCompleted, s, e)
	return true, nil
}

// Entry returns the current shared state of a session.
func (l *Logger) Entry(ctx context.Context, s Session) (Entry, error) {
	return l.store.Get(ctx, key(s))
}

// Log sends an event to every channel. Channels run independently; a slow
// channel does not hold back the others.
func (l *Logger) Log(ctx context.Context, message string, data Fields) {
	l.emit(ctx, Event{Message: message, Data: data})
}

func (l *Logger) emit(ctx context.Context, ev Event) {
	if len(l.channels) == 1 {
		l.channels[0].Log(ctx, ev)
		return
	}

	var wg sync.WaitGroup
	for _, ch := range l.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			ch.Log(ctx, ev)
		}(ch)
	}
	wg.Wait()
}

func (l *Logger) logSession(ctx context.Context, message string, s Session, e Entry) {
	processIDs := e.ProcessIDs
	if processIDs == nil {
		processIDs = []string{}
	}

	l.emit(ctx, Event{
		Message: message,
		Entry:   &e,
		Data: Fields{
			"environment": l.environment,
			"uuid":        s.SessionID(),
			"indexable":   s.IndexableName(),
			"duration":    FormatDuration(l.now().Sub(e.StartTime)),
			"indexing": fmt.Sprintf("%d%% (%d/%d) indexed",
				Percentage(e.DocumentsIndexed, e.DocumentsTotal), e.DocumentsIndexed, e.DocumentsTotal),
			"processes":  fmt.Sprintf("%d/%d completed", e.ProcessesCompleted, e.ProcessesTotal),
			"processIds": processIDs,
		},
	})
}

// Percentage is floor(indexed/total*100), and 0 for an empty total.
func Percentage(indexed, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return indexed * 100 / total
}

// FormatDuration renders elapsed time as "Xm Ys", rounding seconds up.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(math.Ceil(d.Seconds()))
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
