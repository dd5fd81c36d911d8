package registry

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"tidegate/pkg/apierrors"
	"tidegate/pkg/audit"
	"tidegate/pkg/plugin"
	"tidegate/pkg/pluginmetrics"
)

// crashResetGrace is how long a plugin must stay Running before a crash
// streak is forgiven. A grace-window reset is used rather than resetting
// on every successful start, which would let a plugin that crashes
// immediately after start loop through the backoff sequence without
// ever tripping the 3-strikes limit.
const crashResetGrace = 30 * time.Second

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	maxCrashes     = 3
)

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return initialBackoff
	}
	doubled := current * 2
	if doubled > maxBackoff {
		return maxBackoff
	}
	return doubled
}

// doStart drives Stopped/Crashed/Error → Starting → Running|Error. The
// lifecycle lock is released before the bounded call into the guest, so
// a write_config call from inside start() cannot deadlock against it.
func (r *Registry) doStart(pluginID string) (err error) {
	finish := r.lifecycleSpan(pluginID, "start")
	defer func() { finish(err) }()

	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}

	rec.mu.Lock()
	if rec.data.Status == plugin.StatusRunning {
		rec.mu.Unlock()
		return nil
	}
	identity := rec.data.Identity
	manifest := rec.data.Manifest
	paths := rec.paths
	grant := rec.capGrant
	configuration := rec.data.Configuration
	rec.data.Status = plugin.StatusStarting
	rec.mu.Unlock()
	pluginmetrics.RecordStatus(pluginID, plugin.StatusStarting)

	if err := r.vfs.CleanupTmp(paths); err != nil {
		r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: clearing vfs/tmp failed")
	}

	if _, err := r.rt.Load(identity, manifest, manifest.ModulePath, paths, grant); err != nil {
		rec.mu.Lock()
		rec.data.Status = plugin.StatusError
		rec.data.ErrorMessage = err.Error()
		rec.mu.Unlock()
		pluginmetrics.RecordStatus(pluginID, plugin.StatusError)
		return err
	}

	startErr := r.rt.Start(pluginID, configuration)

	rec.mu.Lock()
	if startErr != nil {
		rec.data.Status = plugin.StatusError
		rec.data.ErrorMessage = startErr.Error()
		rec.mu.Unlock()
		_ = r.rt.Unload(pluginID)
		pluginmetrics.RecordStatus(pluginID, plugin.StatusError)
		return startErr
	}

	rec.data.Status = plugin.StatusRunning
	rec.data.ErrorMessage = ""
	rec.data.RunningSince = time.Now()
	r.scheduleGraceResetLocked(rec)
	rec.mu.Unlock()
	r.subs.ResumeDispatch(pluginID)
	pluginmetrics.RecordStatus(pluginID, plugin.StatusRunning)
	r.recordAudit(pluginID, audit.ActionStarted, "")

	if manifest.Capabilities.HTTPEndpoints {
		r.registerGuestRoutes(pluginID)
	}
	return nil
}

// doStop drives Running → Stopping → Stopped, cancelling any pending
// restart or grace timer. Idempotent on an already-stopped plugin.
func (r *Registry) doStop(pluginID string) (err error) {
	finish := r.lifecycleSpan(pluginID, "stop")
	defer func() { finish(err) }()

	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}

	rec.mu.Lock()
	r.cancelTimersLocked(rec)
	wasRunning := rec.data.Status == plugin.StatusRunning
	alreadyStopped := rec.data.Status == plugin.StatusStopped
	if wasRunning {
		rec.data.Status = plugin.StatusStopping
	}
	rec.mu.Unlock()

	if alreadyStopped {
		return nil
	}

	r.host.UnregisterHTTPRoutes(pluginID)
	r.subs.BeginBuffering(pluginID)
	stopErr := r.rt.Stop(pluginID)
	_ = r.rt.Unload(pluginID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.data.Status = plugin.StatusStopped
	rec.data.RunningSince = time.Time{}
	if stopErr != nil {
		r.logger.WithError(stopErr).WithField("plugin", pluginID).Warn("registry: stop reported an error, unloading anyway")
	}
	pluginmetrics.RecordStatus(pluginID, plugin.StatusStopped)
	r.recordAudit(pluginID, audit.ActionStopped, "")
	return nil
}

// Reload stops (if running), clears the crash streak, and restarts if it
// was Running, Crashed or Error before. Subscriptions survive untouched:
// the subscription manager buffers deltas across the gap.
func (r *Registry) Reload(pluginID string) (err error) {
	finish := r.lifecycleSpan(pluginID, "reload")
	defer func() { finish(err) }()

	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}

	rec.mu.Lock()
	wasRunning := rec.data.Status == plugin.StatusRunning || rec.data.Status == plugin.StatusCrashed || rec.data.Status == plugin.StatusError
	rec.data.CrashCount = 0
	rec.data.RestartBackoffMS = 0
	rec.data.ErrorMessage = ""
	rec.mu.Unlock()

	if err := r.doStop(pluginID); err != nil {
		return err
	}
	if wasRunning {
		return r.doStart(pluginID)
	}
	return nil
}

// SetEnabled persists the enabled flag and starts or stops accordingly.
// Idempotent. Enabling also clears the crash streak, the same fresh
// slate a manual Reload gives: without this, re-enabling a plugin that
// tripped the breaker would carry its crash count straight into the
// next crash and re-trip immediately with no backoff sequence.
func (r *Registry) SetEnabled(pluginID string, enabled bool) error {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}

	rec.mu.Lock()
	wasEnabled := rec.data.Enabled
	rec.data.Enabled = enabled
	if enabled && !wasEnabled {
		rec.data.CrashCount = 0
		rec.data.RestartBackoffMS = 0
		rec.data.ErrorMessage = ""
	}
	configuration := rec.data.Configuration
	paths := rec.paths
	rec.mu.Unlock()

	if err := r.vfs.WriteConfig(paths, plugin.PersistedConfig{Enabled: enabled, Configuration: configuration}); err != nil {
		rec.mu.Lock()
		rec.data.Enabled = !enabled
		rec.mu.Unlock()
		return apierrors.New(apierrors.KindConfigWrite, pluginID, "persist enabled flag failed", err)
	}

	if enabled {
		r.recordAudit(pluginID, audit.ActionEnabled, "")
		return r.doStart(pluginID)
	}
	r.recordAudit(pluginID, audit.ActionDisabled, "")
	return r.doStop(pluginID)
}

// UpdateConfiguration persists new configuration and, if the plugin is
// running, cycles stop→start to surface it through start(config).
func (r *Registry) UpdateConfiguration(pluginID string, configuration json.RawMessage) error {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return apierrors.New(apierrors.KindNotFound, pluginID, "plugin not registered", nil)
	}

	rec.mu.Lock()
	enabled := rec.data.Enabled
	paths := rec.paths
	wasRunning := rec.data.Status == plugin.StatusRunning
	rec.mu.Unlock()

	if err := r.vfs.WriteConfig(paths, plugin.PersistedConfig{Enabled: enabled, Configuration: configuration}); err != nil {
		return apierrors.New(apierrors.KindConfigWrite, pluginID, "persist configuration failed", err)
	}

	rec.mu.Lock()
	rec.data.Configuration = configuration
	rec.mu.Unlock()
	r.recordAudit(pluginID, audit.ActionConfigEdited, "")

	if !wasRunning {
		return nil
	}
	if err := r.doStop(pluginID); err != nil {
		return err
	}
	return r.doStart(pluginID)
}

// crash transitions a running plugin into Crashed, schedules a
// backed-off restart, and trips the breaker into Error after
// maxCrashes consecutive crashes.
func (r *Registry) crash(pluginID string, cause error) {
	rec, ok := r.lookup(pluginID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.data.Status != plugin.StatusRunning {
		rec.mu.Unlock()
		return
	}
	r.cancelTimersLocked(rec)
	rec.data.Status = plugin.StatusCrashed
	rec.data.CrashCount++
	rec.data.LastCrashAt = time.Now()
	rec.data.ErrorMessage = cause.Error()
	rec.data.RestartBackoffMS = int(nextBackoff(time.Duration(rec.data.RestartBackoffMS) * time.Millisecond).Milliseconds())
	crashCount := rec.data.CrashCount
	backoffMS := rec.data.RestartBackoffMS
	rec.mu.Unlock()

	pluginmetrics.RecordStatus(pluginID, plugin.StatusCrashed)
	pluginmetrics.RecordCrash(pluginID)
	pluginmetrics.RecordBackoff(pluginID, float64(backoffMS)/1000)
	r.recordAudit(pluginID, audit.ActionCrashed, cause.Error())

	r.subs.BeginBuffering(pluginID)
	_ = r.rt.Unload(pluginID)

	if crashCount >= maxCrashes {
		rec.mu.Lock()
		rec.data.Status = plugin.StatusError
		rec.data.ErrorMessage = "repeatedly crashing, automatic restart disabled"
		rec.mu.Unlock()
		pluginmetrics.RecordStatus(pluginID, plugin.StatusError)
		r.recordAudit(pluginID, audit.ActionBreakerTripped, "")
		r.logger.WithField("plugin", pluginID).Warn("registry: plugin crashed repeatedly, automatic restart disabled")
		return
	}

	r.logger.WithError(cause).WithFields(logrus.Fields{
		"plugin":      pluginID,
		"crash_count": crashCount,
		"backoff_ms":  backoffMS,
	}).Warn("registry: plugin crashed, scheduling restart")

	rec.mu.Lock()
	rec.restartTimer = time.AfterFunc(time.Duration(backoffMS)*time.Millisecond, func() {
		if err := r.doStart(pluginID); err != nil {
			r.logger.WithError(err).WithField("plugin", pluginID).Warn("registry: automatic restart failed")
		}
	})
	rec.mu.Unlock()
}

// scheduleGraceResetLocked arms the crash-counter reset timer. Called
// with rec.mu held, immediately after a successful start.
func (r *Registry) scheduleGraceResetLocked(rec *record) {
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
	}
	rec.graceTimer = time.AfterFunc(crashResetGrace, func() {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.data.Status == plugin.StatusRunning {
			rec.data.CrashCount = 0
			rec.data.RestartBackoffMS = 0
			pluginmetrics.RecordBackoff(rec.data.Identity.PluginID, 0)
		}
	})
}

// cancelTimersLocked stops any pending restart/grace timer. Called with
// rec.mu held.
func (r *Registry) cancelTimersLocked(rec *record) {
	if rec.restartTimer != nil {
		rec.restartTimer.Stop()
		rec.restartTimer = nil
	}
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
		rec.graceTimer = nil
	}
}
