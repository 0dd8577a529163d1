//go:build windows

package eventlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

var (
	wevtapi               = syscall.NewLazyDLL("wevtapi.dll")
	procEvtSubscribe      = wevtapi.NewProc("EvtSubscribe")
	procEvtClose          = wevtapi.NewProc("EvtClose")
	procEvtRender         = wevtapi.NewProc("EvtRender")
	procEvtCreateBookmark = wevtapi.NewProc("EvtCreateBookmark")
	procEvtUpdateBookmark = wevtapi.NewProc("EvtUpdateBookmark")
)

const (
	evtSubscribeStartAfterBookmark = 3
	evtSubscribeStartAtOldest      = 2
	evtSubscribeActionDeliver      = 1
	evtRenderEventXML              = 1
	evtRenderBookmark              = 2
)

// winSubscription is the real EvtSubscribe-backed implementation of
// subscription, grounded on the wevtapi.dll syscall pattern used for agent
// compliance-event tailing. The bookmark token handed to newSubscription is
// not used: Start always subscribes from the oldest record in the channel,
// so after a restart the channel's retained events are delivered again
// rather than resumed after the saved position.
type winSubscription struct {
	cfg      ChannelConfig
	onEvent  func(models.RawEvent)
	log      logger.Logger
	handle   uintptr
	bookmark uintptr
	mu       sync.Mutex
}

func newSubscription(cfg ChannelConfig, bookmarkToken string, onEvent func(models.RawEvent), log logger.Logger) (subscription, error) {
	return &winSubscription{cfg: cfg, onEvent: onEvent, log: log}, nil
}

func (s *winSubscription) Start(ctx context.Context) error {
	channelPath, err := syscall.UTF16PtrFromString(s.cfg.Name)
	if err != nil {
		return fmt.Errorf("channel path %q: %w", s.cfg.Name, err)
	}
	query, err := syscall.UTF16PtrFromString(s.cfg.XPathFilter)
	if err != nil {
		return fmt.Errorf("xpath filter for %q: %w", s.cfg.Name, err)
	}

	registry.put(s)

	handle, _, callErr := procEvtSubscribe.Call(
		0,
		0,
		uintptr(unsafe.Pointer(channelPath)),
		uintptr(unsafe.Pointer(query)),
		0,
		uintptr(unsafe.Pointer(s)),
		syscall.NewCallback(winEventCallback),
		uintptr(evtSubscribeStartAtOldest),
	)
	if handle == 0 {
		registry.remove(s)
		return fmt.Errorf("EvtSubscribe on %q: %w", s.cfg.Name, callErr)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

func (s *winSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != 0 {
		procEvtClose.Call(s.handle)
		s.handle = 0
	}
	if s.bookmark != 0 {
		procEvtClose.Call(s.bookmark)
		s.bookmark = 0
	}
	registry.remove(s)
	return nil
}

// subscriptionRegistry maps the uintptr passed as EvtSubscribe's user context
// back to the Go *winSubscription, since a Go pointer cannot safely cross the
// callback boundary as the callback's sole addressable argument in a way
// that survives the GC; using a side table keyed by pointer identity avoids
// passing an unsafe.Pointer into syscall.NewCallback's untyped uintptr.
type subRegistry struct {
	mu    sync.Mutex
	byPtr map[uintptr]*winSubscription
}

var registry = &subRegistry{byPtr: make(map[uintptr]*winSubscription)}

func (r *subRegistry) put(s *winSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPtr[uintptr(unsafe.Pointer(s))] = s
}

func (r *subRegistry) remove(s *winSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPtr, uintptr(unsafe.Pointer(s)))
}

func (r *subRegistry) get(ptr uintptr) *winSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPtr[ptr]
}

func winEventCallback(action, userContext, event uintptr) uintptr {
	if action != evtSubscribeActionDeliver {
		return 0
	}
	s := registry.get(userContext)
	if s == nil {
		return 0
	}
	raw := s.renderEvent(event)
	if raw != nil {
		s.onEvent(*raw)
	}
	return 0
}

func (s *winSubscription) renderEvent(eventHandle uintptr) *models.RawEvent {
	var bufferSize uint32 = 65536
	buffer := make([]uint16, bufferSize)
	var bufferUsed, propertyCount uint32

	ret, _, _ := procEvtRender.Call(
		0,
		eventHandle,
		uintptr(evtRenderEventXML),
		uintptr(bufferSize*2),
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propertyCount)),
	)
	if ret == 0 {
		s.log.Warn("EvtRender failed, dropping malformed event", "channel", s.cfg.Name)
		return nil
	}

	charCount := bufferUsed / 2
	if charCount > bufferSize {
		charCount = bufferSize
	}
	xml := syscall.UTF16ToString(buffer[:charCount])

	eventIDStr := extractXMLValue(xml, "EventID")
	eventID, _ := strconv.Atoi(eventIDStr)
	provider := extractXMLAttr(xml, "Provider", "Name")
	computer := extractXMLValue(xml, "Computer")
	levelStr := extractXMLValue(xml, "Level")
	level, _ := strconv.Atoi(levelStr)
	message := extractXMLValue(xml, "RenderingInfo><Message")
	if message == "" {
		message = extractXMLValue(xml, "EventData")
	}
	recordID := extractXMLValue(xml, "EventRecordID")

	return &models.RawEvent{
		UniqueID:    s.cfg.Name + ":" + recordID,
		EventID:     eventID,
		Provider:    provider,
		Channel:     s.cfg.Name,
		Level:       byte(level),
		Created:     time.Now().UTC(),
		Machine:     computer,
		Message:     strings.TrimSpace(message),
		RawPayload:  xml,
		BookmarkPos: recordID,
	}
}

// extractXMLValue extracts the text content of a simple XML element, e.g.
// extractXMLValue(xml, "EventID") returns "4624" from "<EventID>4624</EventID>".
func extractXMLValue(xml, tag string) string {
	openTag := "<" + tag
	closeTag := "</" + tag + ">"

	start := strings.Index(xml, openTag)
	if start < 0 {
		return ""
	}
	gt := strings.Index(xml[start:], ">")
	if gt < 0 {
		return ""
	}
	contentStart := start + gt + 1

	end := strings.Index(xml[contentStart:], closeTag)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(xml[contentStart : contentStart+end])
}

// extractXMLAttr extracts an attribute value from the first occurrence of
// tag, e.g. extractXMLAttr(xml, "Provider", "Name") from <Provider Name="Microsoft-Windows-Security-Auditing"/>.
func extractXMLAttr(xml, tag, attr string) string {
	start := strings.Index(xml, "<"+tag)
	if start < 0 {
		return ""
	}
	end := strings.Index(xml[start:], ">")
	if end < 0 {
		return ""
	}
	tagContent := xml[start : start+end]
	needle := attr + `="`
	i := strings.Index(tagContent, needle)
	if i < 0 {
		return ""
	}
	rest := tagContent[i+len(needle):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
