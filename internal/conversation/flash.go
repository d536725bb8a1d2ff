package conversation

import (
	"sync"
	"time"
)

// Notice is a one-shot message shown beside the transcript.
type Notice struct {
	Text    string
	CallID  string
	Expires time.Time
}

// Flash holds at most one notice, such as why a call ended. A newer notice
// replaces the older one. The zero value is ready to use.
type Flash struct {
	mu     sync.Mutex
	notice Notice
	now    func() time.Time
}

func (f *Flash) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

// Set shows text for d on behalf of callID ("" for notices not tied to a
// call).
func (f *Flash) Set(text, callID string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notice = Notice{Text: text, CallID: callID, Expires: f.clock().Add(d)}
}

// Current returns the live notice.
func (f *Flash) Current() (Notice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notice.Text == "" || !f.clock().Before(f.notice.Expires) {
		return Notice{}, false
	}
	return f.notice, true
}

// Get returns the live notice text, or "".
func (f *Flash) Get() string {
	n, _ := f.Current()
	return n.Text
}

// ClearCall drops a live notice left by a call other than callID.
func (f *Flash) ClearCall(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notice.CallID != "" && f.notice.CallID != callID {
		f.notice = Notice{}
	}
}
