// Package idrac is a thin Redfish client for the capability-level
// operations a server's iDRAC exposes: system info, health, lifecycle
// controller status, job queue, power control, network and BIOS
// settings, firmware inventory, boot order, KVM launch info, repo
// reachability, and SCP export/import. Every call is mirrored through
// activitylog with operation_type=idrac_api.
package idrac

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/i0mja/dell-infra-sync-sub002/internal/activitylog"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Client talks Redfish to a single iDRAC over HTTPS basic auth.
type Client struct {
	httpClient   *http.Client
	log          *activitylog.Logger
	pollInterval time.Duration
}

// New builds a Client. verifyTLS is false by default per the fleet's
// convention of talking to self-signed iDRAC certificates.
func New(verifyTLS bool, timeout time.Duration, log *activitylog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
			},
		},
		log:          log,
		pollInterval: 5 * time.Second,
	}
}

// Target identifies the iDRAC and the credentials to reach it with.
type Target struct {
	IP       string
	Username string
	Password string
	ServerID string
	JobID    string
	TaskID   string
}

func (t Target) baseURL() string { return "https://" + t.IP }

// do issues req against t, mirrors the call via C5, and reclassifies
// 401/403 as errs.AuthError distinct from a bare connectivity failure.
func (c *Client) do(ctx context.Context, t Target, method, path string, payload any) (map[string]any, int, error) {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	url := t.baseURL() + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(t.Username, t.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.mirror(ctx, t, method, path, body, nil, 0, elapsed, false, err.Error())
		return nil, 0, &errs.ConnectivityError{Op: path, Target: t.IP, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]any
	_ = json.Unmarshal(bytes.TrimSpace(raw), &parsed)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.mirror(ctx, t, method, path, body, raw, resp.StatusCode, elapsed, success, errMsg)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, &errs.AuthError{Op: path, Target: t.IP, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if !success {
		return parsed, resp.StatusCode, fmt.Errorf("idrac %s %s: HTTP %d: %s", method, path, resp.StatusCode, string(raw))
	}
	return parsed, resp.StatusCode, nil
}

func (c *Client) mirror(ctx context.Context, t Target, method, path string, reqBody, respBody []byte, status int, elapsedMs int64, success bool, errMsg string) {
	if c.log == nil {
		return
	}
	c.log.Log(ctx, activitylog.Entry{
		Endpoint:      path,
		Method:        method,
		RequestBody:   activitylog.RedactJSON(jsonOrNil(reqBody), "Password", "password"),
		ResponseBody:  truncate(string(respBody)),
		StatusCode:    status,
		ElapsedMs:     elapsedMs,
		OperationType: "idrac_api",
		JobID:         t.JobID,
		TaskID:        t.TaskID,
		ServerID:      t.ServerID,
		Success:       success,
		ErrorMessage:  errMsg,
	})
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return v
}

func truncate(s string) string {
	const max = 8192
	if len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}

// SystemInfo is the subset of ComputerSystem the fleet cares about.
type SystemInfo struct {
	Model        string
	SerialNumber string
	BiosVersion  string
	PowerState   string
	Status       map[string]any
	Raw          map[string]any
}

// GetSystemInfo fetches /redfish/v1/Systems/System.Embedded.1.
func (c *Client) GetSystemInfo(ctx context.Context, t Target) (*SystemInfo, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Systems/System.Embedded.1", nil)
	if err != nil {
		return nil, err
	}
	status, _ := data["Status"].(map[string]any)
	return &SystemInfo{
		Model:        asString(data["Model"]),
		SerialNumber: asString(data["SerialNumber"]),
		BiosVersion:  asString(data["BiosVersion"]),
		PowerState:   asString(data["PowerState"]),
		Status:       status,
		Raw:          data,
	}, nil
}

// ProbeRedfishRoot issues an unauthenticated GET to /redfish/v1, the
// stage-2 check the Discovery Engine (C13) uses to recognise an iDRAC
// before spending an authenticated call on it. Returns false (not an
// error) for any well-formed non-2xx response, reserving the error return
// for connectivity failures the caller should treat as a stage-1 miss.
func (c *Client) ProbeRedfishRoot(ctx context.Context, ip string) (bool, error) {
	_, _, err := c.do(ctx, Target{IP: ip}, http.MethodGet, "/redfish/v1", nil)
	if err == nil {
		return true, nil
	}
	var connErr *errs.ConnectivityError
	if errors.As(err, &connErr) {
		return false, err
	}
	return false, nil
}

// GetHealth reports overall Status.Health from the system resource.
func (c *Client) GetHealth(ctx context.Context, t Target) (string, error) {
	info, err := c.GetSystemInfo(ctx, t)
	if err != nil {
		return "", err
	}
	return asString(info.Status["Health"]), nil
}

// LifecycleControllerStatus is the Dell OEM LCStatus / real-time readiness.
type LifecycleControllerStatus struct {
	LCReady bool
	Status  string
}

// GetLifecycleControllerStatus calls the Dell OEM GetRemoteServicesAPIStatus
// action, which reports whether the Lifecycle Controller is ready to accept
// configuration jobs.
func (c *Client) GetLifecycleControllerStatus(ctx context.Context, t Target) (*LifecycleControllerStatus, error) {
	data, _, err := c.do(ctx, t, http.MethodPost,
		"/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DellLCService/Actions/DellLCService.GetRemoteServicesAPIStatus",
		map[string]any{})
	if err != nil {
		return nil, err
	}
	status := asString(data["LCStatus"])
	return &LifecycleControllerStatus{
		LCReady: strings.EqualFold(status, "Ready"),
		Status:  status,
	}, nil
}

// JobQueueEntry is one entry in the iDRAC job queue.
type JobQueueEntry struct {
	ID         string
	Name       string
	JobState   string
	JobType    string
	PercentDone int
}

// GetJobQueue lists pending/running jobs on the iDRAC job service.
func (c *Client) GetJobQueue(ctx context.Context, t Target) ([]JobQueueEntry, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs?$expand=*($levels=1)", nil)
	if err != nil {
		return nil, err
	}
	members, _ := data["Members"].([]any)
	jobs := make([]JobQueueEntry, 0, len(members))
	for _, m := range members {
		row, ok := m.(map[string]any)
		if !ok {
			continue
		}
		jobs = append(jobs, JobQueueEntry{
			ID:          asString(row["Id"]),
			Name:        asString(row["Name"]),
			JobState:    asString(row["JobState"]),
			JobType:     asString(row["JobType"]),
			PercentDone: int(asFloat(row["PercentComplete"])),
		})
	}
	return jobs, nil
}

// EventLogEntry is one entry from the Lifecycle Controller log.
type EventLogEntry struct {
	ID       string
	Severity string
	Message  string
	Created  string
}

// GetEventLogs lists the Lifecycle Controller log (Lclog), the iDRAC's
// durable record of hardware and firmware events.
func (c *Client) GetEventLogs(ctx context.Context, t Target) ([]EventLogEntry, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Managers/iDRAC.Embedded.1/LogServices/Lclog/Entries?$expand=*($levels=1)", nil)
	if err != nil {
		return nil, err
	}
	members, _ := data["Members"].([]any)
	entries := make([]EventLogEntry, 0, len(members))
	for _, m := range members {
		row, ok := m.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, EventLogEntry{
			ID:       asString(row["Id"]),
			Severity: asString(row["Severity"]),
			Message:  asString(row["Message"]),
			Created:  asString(row["Created"]),
		})
	}
	return entries, nil
}

// SetPowerState issues the ComputerSystem.Reset action (On, GracefulShutdown,
// ForceOff, ForceRestart, GracefulRestart, PushPowerButton).
func (c *Client) SetPowerState(ctx context.Context, t Target, resetType string) error {
	_, _, err := c.do(ctx, t, http.MethodPost,
		"/redfish/v1/Systems/System.Embedded.1/Actions/ComputerSystem.Reset",
		map[string]any{"ResetType": resetType})
	return err
}

// GetNetworkSettings fetches the embedded NIC configuration.
func (c *Client) GetNetworkSettings(ctx context.Context, t Target) (map[string]any, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Managers/iDRAC.Embedded.1/EthernetInterfaces/NIC.1", nil)
	return data, err
}

// SetNetworkSettings PATCHes the embedded NIC configuration with attrs.
func (c *Client) SetNetworkSettings(ctx context.Context, t Target, attrs map[string]any) error {
	_, _, err := c.do(ctx, t, http.MethodPatch, "/redfish/v1/Managers/iDRAC.Embedded.1/EthernetInterfaces/NIC.1", attrs)
	return err
}

// GetBIOSAttributes fetches the current BIOS attribute map.
func (c *Client) GetBIOSAttributes(ctx context.Context, t Target) (map[string]any, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Systems/System.Embedded.1/Bios", nil)
	if err != nil {
		return nil, err
	}
	attrs, _ := data["Attributes"].(map[string]any)
	return attrs, nil
}

// FirmwareEntry is one component in the firmware inventory collection.
type FirmwareEntry struct {
	Name    string
	Version string
	Updateable bool
}

// GetFirmwareInventory lists every component under UpdateService/FirmwareInventory.
func (c *Client) GetFirmwareInventory(ctx context.Context, t Target) ([]FirmwareEntry, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/UpdateService/FirmwareInventory?$expand=*($levels=1)", nil)
	if err != nil {
		return nil, err
	}
	members, _ := data["Members"].([]any)
	entries := make([]FirmwareEntry, 0, len(members))
	for _, m := range members {
		row, ok := m.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, FirmwareEntry{
			Name:       asString(row["Name"]),
			Version:    asString(row["Version"]),
			Updateable: row["Updateable"] == true,
		})
	}
	return entries, nil
}

// GetBootOrder returns the current BootOrder list of BootOptions references.
func (c *Client) GetBootOrder(ctx context.Context, t Target) ([]string, error) {
	data, _, err := c.do(ctx, t, http.MethodGet, "/redfish/v1/Systems/System.Embedded.1", nil)
	if err != nil {
		return nil, err
	}
	boot, _ := data["Boot"].(map[string]any)
	order, _ := boot["BootOrder"].([]any)
	result := make([]string, 0, len(order))
	for _, o := range order {
		result = append(result, asString(o))
	}
	return result, nil
}

// KVMLaunchInfo is the data an operator needs to open a virtual console.
type KVMLaunchInfo struct {
	ConsoleURL string
	SessionID  string
}

// GetKVMLaunchInfo requests a GetKVMSession action from the Dell OEM manager
// service and returns the console URL the operator's browser should open.
func (c *Client) GetKVMLaunchInfo(ctx context.Context, t Target) (*KVMLaunchInfo, error) {
	data, _, err := c.do(ctx, t, http.MethodPost,
		"/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DellLCService/Actions/DellLCService.GetKVMSession",
		map[string]any{})
	if err != nil {
		return nil, err
	}
	return &KVMLaunchInfo{
		ConsoleURL: asString(data["ConsoleURL"]),
		SessionID:  asString(data["ServiceTag"]),
	}, nil
}

// TestRepoReach probes whether the iDRAC itself can reach a firmware/driver
// repository URL, using the Dell OEM GetRepoBasedUpdateList dry run.
func (c *Client) TestRepoReach(ctx context.Context, t Target, repoURL string) (bool, error) {
	data, status, err := c.do(ctx, t, http.MethodPost,
		"/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.GetRepoBasedUpdateList",
		map[string]any{"IPAddress": repoURL, "ApplyUpdate": "False"})
	if err != nil {
		if status >= 400 && status < 500 {
			return false, nil
		}
		return false, err
	}
	_ = data
	return true, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
