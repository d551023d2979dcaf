package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/registry"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

const defaultPythonExecTimeout = 30 * time.Second

// Forwarder sends a skill call over a device channel. Implemented by the
// spoke hub.
type Forwarder interface {
	ForwardToolCall(ctx context.Context, deviceID, toolName string, args json.RawMessage, timeout time.Duration) (*protocol.SkillCallResponse, error)
}

// deviceRef matches the first devices.<name>. chain in a code snippet.
var deviceRef = regexp.MustCompile(`devices\.([a-zA-Z_][a-zA-Z0-9_]*)\.`)

// PythonExecTool forwards a Python snippet to a Spoke for execution in its
// local sandbox. The hub never evaluates the code.
type PythonExecTool struct {
	registry  *registry.Registry
	forwarder Forwarder
	timeout   time.Duration
}

// NewPythonExecTool builds the tool. timeout bounds the device-side run and
// the forward round-trip; <= 0 falls back to 30s.
func NewPythonExecTool(reg *registry.Registry, fwd Forwarder, timeout time.Duration) *PythonExecTool {
	if timeout <= 0 {
		timeout = defaultPythonExecTimeout
	}
	return &PythonExecTool{registry: reg, forwarder: fwd, timeout: timeout}
}

func (t *PythonExecTool) Name() string { return "python_exec" }

func (t *PythonExecTool) Description() string {
	return "Execute Python code on one of the user's devices. Skills are available as " +
		"devices.<device_name>.<Class>.<method>(...). Print anything you want returned."
}

func (t *PythonExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source to run on the device",
			},
			"device": map[string]any{
				"type":        "string",
				"description": "Target device name; inferred from the code or the caller's device when omitted",
			},
		},
		"required": []string{"code"},
	}
}

func (t *PythonExecTool) Timeout() time.Duration { return t.timeout }

func (t *PythonExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return ErrorResult("no caller identity on request")
	}
	code, _ := args["code"].(string)
	if code == "" {
		return ErrorResult("code is required")
	}
	deviceArg, _ := args["device"].(string)

	deviceID, err := t.resolveTarget(ctx, caller, code, deviceArg)
	if err != nil {
		return ErrorResult(err.Error())
	}

	payload, _ := json.Marshal(map[string]string{"code": code})
	resp, err := t.forwarder.ForwardToolCall(ctx, deviceID, t.Name(), payload, t.timeout)
	if err != nil {
		// Transport failures are fed back to the LLM as tool results so
		// it can explain or pick another device, not abort the turn.
		return ErrorResult(transportMessage(err)).WithError(err)
	}

	out := map[string]any{"success": resp.Success}
	if resp.Success {
		out["stdout"] = resp.Result
	} else {
		out["error"] = resp.Error
	}
	data, _ := json.Marshal(out)
	if !resp.Success {
		return &Result{ForLLM: string(data), IsError: true}
	}
	return NewResult(string(data))
}

// resolveTarget picks the device to run on: explicit argument first, then a
// devices.<name>. reference in the code, then the caller's own device.
func (t *PythonExecTool) resolveTarget(ctx context.Context, caller Caller, code, deviceArg string) (string, error) {
	name := deviceArg
	if name == "" {
		if m := deviceRef.FindStringSubmatch(code); m != nil {
			name = m[1]
		}
	}
	if name == "" {
		if caller.DeviceID == "" {
			return "", errors.New("no target device: pass the device argument or reference devices.<name> in the code")
		}
		return caller.DeviceID, nil
	}

	id, err := t.registry.ResolveDevice(ctx, caller.UserID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("unknown device %q; use search_skills to see available devices", name)
		}
		return "", fmt.Errorf("resolve device: %w", err)
	}
	return id, nil
}

func transportMessage(err error) string {
	switch {
	case errors.Is(err, spoke.ErrDeviceOffline):
		return "device_offline: the target device has no open channel right now"
	case errors.Is(err, spoke.ErrBackpressure):
		return "device_backpressure: the device cannot accept more work; try again shortly"
	case errors.Is(err, spoke.ErrToolTimeout):
		return "tool_timeout: the device did not finish within the call deadline"
	case errors.Is(err, spoke.ErrShuttingDown):
		return "shutting_down: the hub is restarting; try again shortly"
	default:
		return fmt.Sprintf("forward failed: %v", err)
	}
}
