// Copyright 2024-2026 Aiku AI

// Package verify checks that configured channel links point at channels the
// bot can reach with the permissions each link needs.
package verify

import (
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/platform"
)

// Scope selects what a verification run covers.
type Scope int

const (
	ScopeStatic Scope = iota
	ScopeLinks
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeStatic:
		return "static"
	case ScopeLinks:
		return "links"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

var (
	chatPermissions   = []platform.Permission{platform.PermissionSendMessages}
	statusPermissions = []platform.Permission{
		platform.PermissionSendMessages,
		platform.PermissionReadMessageHistory,
		platform.PermissionManageMessages,
	}
)

// Options configures timing and hooks. Zero durations take the defaults.
type Options struct {
	// Timeout is how long after the first trigger unverified links are
	// reported.
	Timeout time.Duration
	// ReadyDelay defers the pass triggered by the platform becoming ready.
	ReadyDelay time.Duration
	// GuildDelay defers the pass triggered by a guild becoming available.
	GuildDelay time.Duration

	// StaticCheck returns configuration problems found without contacting
	// the platform.
	StaticCheck func() []string
	// OnReport receives the still-unverified link IDs each time they are
	// reported.
	OnReport func(unverified []string)
}

// Verifier runs verification passes one at a time on a single-worker queue.
type Verifier struct {
	registry *link.Registry
	service  platform.Directory
	opts     Options

	lifeMu  sync.RWMutex
	pool    *workerpool.WorkerPool
	running bool

	// passMu serializes passes run inline while the queue is stopped with
	// those run on the queue.
	passMu       sync.Mutex
	verified     *exsync.Set[string]
	failures     map[string]string
	announcedAll bool

	timerMu      sync.Mutex
	generation   uint64
	readyTimer   *time.Timer
	guildTimer   *time.Timer
	timeoutTimer *time.Timer

	log zerolog.Logger
}

// New creates a verifier. Call Start before triggering timed passes.
func New(log zerolog.Logger, registry *link.Registry, service platform.Directory, opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ReadyDelay <= 0 {
		opts.ReadyDelay = 2 * time.Second
	}
	if opts.GuildDelay <= 0 {
		opts.GuildDelay = 3 * time.Second
	}
	return &Verifier{
		registry: registry,
		service:  service,
		opts:     opts,
		verified: exsync.NewSet[string](),
		failures: make(map[string]string),
		log:      log.With().Str("component", "verifier").Logger(),
	}
}

// Start creates the pass queue.
func (v *Verifier) Start() {
	v.lifeMu.Lock()
	defer v.lifeMu.Unlock()
	if v.running {
		return
	}
	v.pool = workerpool.New(1)
	v.running = true
}

// Stop cancels every timer and waits for the queued passes to finish. It is
// safe to call more than once and before Start.
func (v *Verifier) Stop() {
	v.stopTimers()

	v.lifeMu.Lock()
	if !v.running {
		v.lifeMu.Unlock()
		return
	}
	v.running = false
	pool := v.pool
	v.pool = nil
	v.lifeMu.Unlock()

	pool.StopWait()
}

// submit queues task, dropping it when the verifier is stopped.
func (v *Verifier) submit(task func()) {
	v.lifeMu.RLock()
	defer v.lifeMu.RUnlock()
	if !v.running {
		return
	}
	v.pool.Submit(task)
}

// run executes task on the queue and waits for it, or inline when stopped.
func (v *Verifier) run(task func()) {
	v.lifeMu.RLock()
	if v.running {
		defer v.lifeMu.RUnlock()
		v.pool.SubmitWait(task)
		return
	}
	v.lifeMu.RUnlock()
	task()
}

// Trigger runs a verification pass of the given scope and waits for it.
func (v *Verifier) Trigger(scope Scope) {
	v.run(func() {
		if scope == ScopeStatic || scope == ScopeAll {
			v.verifyStatic()
		}
		if scope == ScopeLinks || scope == ScopeAll {
			v.verifyLinks(scope.String())
		}
	})
}

// OnReady schedules a link pass shortly after the platform becomes ready.
func (v *Verifier) OnReady() {
	v.schedule(&v.readyTimer, v.opts.ReadyDelay, "ready")
}

// OnGuildAvailable schedules a link pass shortly after a guild becomes
// available. Repeated calls inside the delay share one pass.
func (v *Verifier) OnGuildAvailable() {
	v.schedule(&v.guildTimer, v.opts.GuildDelay, "guild_available")
}

// Reset forgets every verified link and cancels pending timers. Used when
// the bot token changes or the connection is re-established.
func (v *Verifier) Reset() {
	v.stopTimers()
	v.passMu.Lock()
	v.verified.ReplaceAll(nil)
	clear(v.failures)
	v.announcedAll = false
	v.passMu.Unlock()
}

func (v *Verifier) schedule(slot **time.Timer, delay time.Duration, trigger string) {
	v.timerMu.Lock()
	defer v.timerMu.Unlock()
	v.armTimeoutLocked()
	if *slot != nil {
		return
	}
	gen := v.generation
	*slot = time.AfterFunc(delay, func() {
		v.timerMu.Lock()
		if v.generation != gen {
			v.timerMu.Unlock()
			return
		}
		*slot = nil
		v.timerMu.Unlock()
		v.submit(func() { v.verifyLinks(trigger) })
	})
}

func (v *Verifier) armTimeoutLocked() {
	if v.timeoutTimer != nil {
		return
	}
	gen := v.generation
	v.timeoutTimer = time.AfterFunc(v.opts.Timeout, func() {
		v.timerMu.Lock()
		if v.generation != gen {
			v.timerMu.Unlock()
			return
		}
		v.timeoutTimer = nil
		v.timerMu.Unlock()
		v.submit(v.reportTimeout)
	})
}

func (v *Verifier) timeoutPending() bool {
	v.timerMu.Lock()
	defer v.timerMu.Unlock()
	return v.timeoutTimer != nil
}

func (v *Verifier) stopTimeout() {
	v.timerMu.Lock()
	defer v.timerMu.Unlock()
	if v.timeoutTimer != nil {
		v.timeoutTimer.Stop()
		v.timeoutTimer = nil
	}
}

func (v *Verifier) stopTimers() {
	v.timerMu.Lock()
	defer v.timerMu.Unlock()
	v.generation++
	for _, t := range []**time.Timer{&v.readyTimer, &v.guildTimer, &v.timeoutTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

type target struct {
	id          string
	ref         link.ChannelRef
	permissions []platform.Permission
}

func (v *Verifier) targets() []target {
	var out []target
	for _, l := range v.registry.ChatLinks() {
		out = append(out, target{id: l.ID(), ref: l.ChannelRef, permissions: chatPermissions})
	}
	for _, s := range v.registry.StatusLinks() {
		out = append(out, target{id: s.ID(), ref: s.ChannelRef, permissions: statusPermissions})
	}
	return out
}

// check returns "" when the target is usable, otherwise why it is not.
func (v *Verifier) check(t target) string {
	guild, ok := v.service.GuildByNameOrID(t.ref.Guild)
	if !ok {
		return "guild not found"
	}
	channel, ok := v.service.ChannelByNameOrID(guild.ID, t.ref.Channel)
	if !ok {
		return "channel not found"
	}
	var missing []string
	for _, perm := range t.permissions {
		if !v.service.HasPermission(channel, perm) {
			missing = append(missing, perm.String())
		}
	}
	if len(missing) > 0 {
		return "missing permissions: " + strings.Join(missing, ", ")
	}
	return ""
}

func (v *Verifier) verifyLinks(trigger string) {
	v.passMu.Lock()
	defer v.passMu.Unlock()

	targets := v.targets()
	current := make(map[string]struct{}, len(targets))
	var unverified []string
	for _, t := range targets {
		current[t.id] = struct{}{}
		if v.verified.Has(t.id) {
			continue
		}
		if reason := v.check(t); reason != "" {
			v.failures[t.id] = reason
			unverified = append(unverified, t.id)
			continue
		}
		delete(v.failures, t.id)
		v.verified.Add(t.id)
		v.log.Info().Str("link", t.id).Msg("Channel link verified")
	}
	// Links removed from the configuration no longer count as verified.
	for _, id := range v.verified.AsList() {
		if _, ok := current[id]; !ok {
			v.verified.Remove(id)
		}
	}

	if len(unverified) == 0 {
		v.stopTimeout()
		if len(targets) > 0 && !v.announcedAll {
			v.announcedAll = true
			v.log.Info().Int("count", len(targets)).Str("trigger", trigger).Msg("All channel links successfully verified")
		}
		return
	}
	v.announcedAll = false
	if !v.timeoutPending() {
		v.report(unverified)
	}
}

// reportTimeout reports the links still unverified when the timeout fires,
// then clears the verification state so the next trigger starts over.
func (v *Verifier) reportTimeout() {
	v.passMu.Lock()
	defer v.passMu.Unlock()
	if unverified := v.unverifiedLocked(); len(unverified) > 0 {
		v.report(unverified)
	}
	v.verified.ReplaceAll(nil)
	clear(v.failures)
	v.announcedAll = false
}

func (v *Verifier) report(unverified []string) {
	for _, id := range unverified {
		evt := v.log.Warn().Str("link", id)
		if reason := v.failures[id]; reason != "" {
			evt = evt.Str("reason", reason)
		}
		evt.Msg("Channel link could not be verified")
	}
	if v.opts.OnReport != nil {
		v.opts.OnReport(unverified)
	}
}

func (v *Verifier) verifyStatic() {
	if v.opts.StaticCheck == nil {
		return
	}
	problems := v.opts.StaticCheck()
	if len(problems) == 0 {
		v.log.Info().Msg("Static configuration verified")
		return
	}
	v.log.Error().Strs("problems", problems).Msg("Static configuration verification failed")
}

func (v *Verifier) unverifiedLocked() []string {
	var out []string
	for _, t := range v.targets() {
		if !v.verified.Has(t.id) {
			out = append(out, t.id)
		}
	}
	return out
}

// Unverified returns the IDs of configured links not yet verified, in
// configuration order.
func (v *Verifier) Unverified() []string {
	v.passMu.Lock()
	defer v.passMu.Unlock()
	return v.unverifiedLocked()
}

// IsVerified reports whether the link ID has been verified.
func (v *Verifier) IsVerified(id string) bool {
	return v.verified.Has(id)
}

// VerifiedCount returns the number of verified links.
func (v *Verifier) VerifiedCount() int {
	return v.verified.Size()
}
