// Package notify forwards security and lifecycle events to operator
// notification channels via Shoutrrr.
package notify

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"stardust/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// cooldown suppresses repeat notifications for the same (url, event type)
// pair inside this window.
const cooldown = 5 * time.Minute

// Dispatcher subscribes to the event bus and pushes warning/critical events
// to the configured Shoutrrr URLs.
type Dispatcher struct {
	urls   []string
	sender Sender

	mu       sync.Mutex
	lastSent map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the comma-separated URL list.
func NewDispatcher(urls string, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	var parsed []string
	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			parsed = append(parsed, u)
		}
	}
	return &Dispatcher{
		urls:     parsed,
		sender:   sender,
		lastSent: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to the bus and begins dispatching. Events are queued and
// sent from a single worker so slow providers never block publishers.
func (d *Dispatcher) Start(bus *events.Bus) {
	if len(d.urls) == 0 {
		return
	}

	ch := make(chan events.Event, 256)
	bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the dispatch worker.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) handle(e events.Event) {
	if e.Severity == events.SeverityInfo {
		return
	}

	msg := fmt.Sprintf("[%s] %s", strings.ToUpper(string(e.Severity)), e.Message)
	if e.NodeCode != "" {
		msg += " (node " + e.NodeCode + ")"
	}

	for _, url := range d.urls {
		key := url + "|" + string(e.Type)

		d.mu.Lock()
		last, seen := d.lastSent[key]
		if seen && time.Since(last) < cooldown {
			d.mu.Unlock()
			continue
		}
		d.lastSent[key] = time.Now()
		d.mu.Unlock()

		if err := d.sender.Send(url, msg); err != nil {
			log.Printf("notify: send to %s failed: %v", redactURL(url), err)
		}
	}
}

// redactURL hides credentials baked into Shoutrrr URLs when logging.
func redactURL(url string) string {
	if idx := strings.Index(url, "://"); idx != -1 {
		if at := strings.LastIndex(url, "@"); at > idx {
			return url[:idx+3] + "***" + url[at:]
		}
	}
	return url
}
