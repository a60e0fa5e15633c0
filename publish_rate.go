package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Publish cadence limits.
const (
	MinPublishRate         = time.Second
	MaxPublishRate         = 30 * time.Second
	DefaultWakePublishRate = 10 * time.Second
	SnoozePublishRate      = 5 * time.Minute

	// WakeCount is the number of cycles published at the wake rate before snoozing.
	WakeCount = 60
)

// PublishRateManager decides how long the poll loop rests between cycles.
// It starts awake, publishing at the wake rate. Unless stayAwake is set it
// drops to the snooze rate after WakeCount cycles; any MQTT command wakes it.
//
// Command handlers run on paho goroutines while the poll loop reads the rate,
// so all state is behind the mutex.
type PublishRateManager struct {
	mutex        sync.RWMutex
	wakeRate     time.Duration
	currentRate  time.Duration
	stayAwake    bool
	publishCount int

	wake chan struct{} // signalled on Wake to cut a pacing sleep short
}

func NewPublishRateManager(wakeRate time.Duration, stayAwake bool) *PublishRateManager {
	return &PublishRateManager{
		wakeRate:    wakeRate,
		currentRate: wakeRate,
		stayAwake:   stayAwake,
		wake:        make(chan struct{}, 1),
	}
}

// CurrentRate is the interval between the starts of two cycles.
func (p *PublishRateManager) CurrentRate() time.Duration {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.currentRate
}

// StayAwake reports whether snoozing is disabled.
func (p *PublishRateManager) StayAwake() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.stayAwake
}

// CycleComplete counts a finished cycle and snoozes when due.
func (p *PublishRateManager) CycleComplete() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.publishCount++
	if !p.stayAwake && p.publishCount >= WakeCount {
		p.publishCount = 0
		if p.currentRate != SnoozePublishRate {
			log.Infof("PublishRate: snoozing, publishing every %s", SnoozePublishRate)
		}
		p.currentRate = SnoozePublishRate
	}
}

// Wake restores the wake rate and restarts the wake count.
func (p *PublishRateManager) Wake() {
	p.mutex.Lock()
	p.currentRate = p.wakeRate
	p.publishCount = 0
	p.mutex.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
		// Channel already has a signal, don't block
	}
}

// Woken fires once after each Wake.
func (p *PublishRateManager) Woken() <-chan struct{} {
	return p.wake
}

// HandleCommand applies a JSON command such as
// {"wakePublishRate": 5000, "stayAwake": false}. Keys with the wrong type
// or out of range values are ignored. The manager wakes on every command,
// recognized or not.
func (p *PublishRateManager) HandleCommand(payload []byte) error {
	defer p.Wake()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("command is not a JSON object: %w", err)
	}

	processed := false
	if raw, ok := fields["stayAwake"]; ok {
		var stayAwake bool
		if err := json.Unmarshal(raw, &stayAwake); err == nil {
			processed = true
			p.mutex.Lock()
			p.stayAwake = stayAwake
			p.mutex.Unlock()
			log.Infof("PublishRate: stay awake: %t", stayAwake)
		}
	}
	if raw, ok := fields["wakePublishRate"]; ok {
		var ms int
		if err := json.Unmarshal(raw, &ms); err == nil {
			processed = true
			rate := time.Duration(ms) * time.Millisecond
			if rate < MinPublishRate || rate > MaxPublishRate {
				log.Warnf("PublishRate: wakePublishRate %dms out of range [%s, %s]", ms, MinPublishRate, MaxPublishRate)
			} else {
				p.mutex.Lock()
				p.wakeRate = rate
				p.mutex.Unlock()
				log.Infof("PublishRate: wake publish rate set to %s", rate)
			}
		}
	}
	if !processed {
		return fmt.Errorf("command %s not recognized", payload)
	}
	return nil
}

// drainChannel clears any pending signal from a channel without blocking.
func drainChannel(ch <-chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
