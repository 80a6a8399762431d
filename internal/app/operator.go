package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-mirror-bot/internal/alerts"
	"hl-mirror-bot/internal/mirror"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64              `json:"update_id"`
	Time          time.Time          `json:"time"`
	Action        string             `json:"action"`
	Command       string             `json:"command"`
	UserID        int64              `json:"user_id"`
	Username      string             `json:"username,omitempty"`
	ChatID        int64              `json:"chat_id"`
	EnabledBefore bool               `json:"enabled_before"`
	EnabledAfter  bool               `json:"enabled_after"`
	ParamsAfter   *MirrorParams      `json:"params_after,omitempty"`
	RiskAfter     *mirror.RiskParams `json:"risk_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorRecovered() {
			a.log.Info("telegram operator recovered")
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "enable":
		before := a.IsEnabled()
		a.Enable()
		a.auditOperator(ctx, meta, "enable", before, true, nil, nil)
		if before {
			return "mirroring already enabled", nil
		}
		return "mirroring enabled", nil
	case "disable":
		before := a.IsEnabled()
		a.Disable()
		a.auditOperator(ctx, meta, "disable", before, false, nil, nil)
		if !before {
			return "mirroring already disabled", nil
		}
		return "mirroring disabled", nil
	case "panic":
		a.risk.EnablePanicMode()
		a.auditOperator(ctx, meta, "panic_on", a.IsEnabled(), a.IsEnabled(), nil, nil)
		return "PANIC mode enabled: only reduce-only orders allowed", nil
	case "calm":
		a.risk.DisablePanicMode()
		a.auditOperator(ctx, meta, "panic_off", a.IsEnabled(), a.IsEnabled(), nil, nil)
		return "PANIC mode disabled", nil
	case "breaker":
		if len(args) == 1 && strings.EqualFold(args[0], "reset") {
			a.risk.ResetCircuitBreaker()
			a.auditOperator(ctx, meta, "breaker_reset", a.IsEnabled(), a.IsEnabled(), nil, nil)
			return "circuit breaker reset", nil
		}
		return "", errors.New("unknown breaker command: use /breaker reset")
	case "set":
		return a.handleSetCommand(ctx, args, meta)
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleSetCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	overrides, err := parseKeyValues(args)
	if err != nil {
		return "", err
	}
	var update ParamUpdate
	for key, val := range overrides {
		switch key {
		case "ratio":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return "", fmt.Errorf("ratio: %w", err)
			}
			update.Ratio = &parsed
		case "notional_cap_usd":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return "", fmt.Errorf("notional_cap_usd: %w", err)
			}
			update.NotionalCapUSD = &parsed
		case "tif":
			tif := mirror.Tif(val)
			update.Tif = &tif
		case "copy_mode":
			mode := mirror.CopyMode(val)
			update.CopyMode = &mode
		case "leaders":
			update.Leaders = strings.Split(val, ",")
		default:
			return "", fmt.Errorf("unknown set key: %s (keys: ratio, notional_cap_usd, tif, copy_mode, leaders)", key)
		}
	}
	if err := a.UpdateParams(update); err != nil {
		return "", err
	}
	params, enabled := a.ConfigSnapshot()
	a.auditOperator(ctx, meta, "params_set", enabled, enabled, &params, nil)
	return "params updated (effective next tick)", nil
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	if !strings.EqualFold(args[0], "set") {
		return "", errors.New("unknown risk command: use /risk show|set")
	}
	overrides, err := parseKeyValues(args[1:])
	if err != nil {
		return "", err
	}
	var update mirror.RiskParams
	for key, val := range overrides {
		switch key {
		case "max_leverage":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil || parsed <= 0 {
				return "", fmt.Errorf("max_leverage must be a positive number, got %q", val)
			}
			update.MaxLeverage = parsed
		case "max_total_notional_usd":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil || parsed <= 0 {
				return "", fmt.Errorf("max_total_notional_usd must be a positive number, got %q", val)
			}
			update.MaxTotalNotionalUSD = parsed
		case "cooldown":
			dur, err := time.ParseDuration(val)
			if err != nil || dur <= 0 {
				return "", fmt.Errorf("cooldown must be a positive duration, got %q", val)
			}
			update.Cooldown = dur
		default:
			return "", fmt.Errorf("unknown risk key: %s (keys: max_leverage, max_total_notional_usd, cooldown)", key)
		}
	}
	a.risk.UpdateParams(update)
	riskState := a.risk.State()
	a.auditOperator(ctx, meta, "risk_set", a.IsEnabled(), a.IsEnabled(), nil, &riskState.Params)
	return "risk params updated", nil
}

func parseKeyValues(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("expected key=value pairs")
	}
	out := make(map[string]string)
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func (a *App) operatorStatus() string {
	params, enabled := a.ConfigSnapshot()
	riskState := a.risk.State()
	counters := a.executor.Counters()
	lines := []string{
		fmt.Sprintf("enabled: %t", enabled),
		fmt.Sprintf("dry_run: %t", a.executor.DryRun()),
		fmt.Sprintf("ratio: %.4f", params.Ratio),
		fmt.Sprintf("notional_cap_usd: %.2f", params.NotionalCapUSD),
		fmt.Sprintf("tif: %s", params.Tif),
		fmt.Sprintf("copy_mode: %s", params.CopyMode),
		fmt.Sprintf("leaders: %s", strings.Join(params.Leaders, ", ")),
		fmt.Sprintf("panic_mode: %t", riskState.PanicMode),
		fmt.Sprintf("circuit_breaker_tripped: %t", riskState.AutoTradingDisabled),
		fmt.Sprintf("recent_errors: %d", riskState.ErrorCount),
		fmt.Sprintf("orders executed/rejected/errored: %d/%d/%d", counters.Executed, counters.Rejected, counters.Errors),
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus() string {
	riskState := a.risk.State()
	return strings.Join([]string{
		fmt.Sprintf("max_leverage: %.2f", riskState.Params.MaxLeverage),
		fmt.Sprintf("max_total_notional_usd: %.2f", riskState.Params.MaxTotalNotionalUSD),
		fmt.Sprintf("cooldown: %s", riskState.Params.Cooldown),
		fmt.Sprintf("panic_mode: %t", riskState.PanicMode),
		fmt.Sprintf("circuit_breaker_tripped: %t", riskState.AutoTradingDisabled),
		fmt.Sprintf("recent_errors: %d", riskState.ErrorCount),
	}, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current bot status",
		"/enable - enable mirroring",
		"/disable - disable mirroring (loop keeps running)",
		"/panic - reject all non-reduce-only orders",
		"/calm - leave panic mode",
		"/breaker reset - reset the circuit breaker",
		"/set key=value ... - update mirror params (ratio, notional_cap_usd, tif, copy_mode, leaders)",
		"/risk show - show risk params and state",
		"/risk set key=value ... - update risk params (max_leverage, max_total_notional_usd, cooldown)",
	}, "\n")
}

func (a *App) operatorRecovered() bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if !a.operatorWarned {
		return false
	}
	a.operatorWarned = false
	return true
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if warned {
		return
	}
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperator(ctx context.Context, meta operatorMeta, action string, enabledBefore, enabledAfter bool, params *MirrorParams, risk *mirror.RiskParams) {
	if a.store == nil {
		return
	}
	event := operatorAuditEvent{
		UpdateID:      meta.UpdateID,
		Time:          time.Now().UTC(),
		Action:        action,
		Command:       meta.Raw,
		UserID:        meta.UserID,
		Username:      meta.Username,
		ChatID:        meta.ChatID,
		EnabledBefore: enabledBefore,
		EnabledAfter:  enabledAfter,
		ParamsAfter:   params,
		RiskAfter:     risk,
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
