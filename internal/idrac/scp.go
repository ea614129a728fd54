package idrac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ScpExportRequest selects which configuration components to export and,
// for non-Local share types, where the exported file should land.
type ScpExportRequest struct {
	IncludeBIOS  bool
	IncludeIdrac bool
	IncludeNIC   bool
	IncludeRAID  bool
	ExportUse    string // Clone, Replace, Default
	ShareType    string // Local, HTTP, CIFS, NFS — defaults to Local
	ShareAddress string
	ShareName    string
	ShareUsername string
	SharePassword string
	ShareFileName string
}

func (r ScpExportRequest) targets() []string {
	var targets []string
	if r.IncludeBIOS {
		targets = append(targets, "BIOS")
	}
	if r.IncludeIdrac {
		targets = append(targets, "IDRAC")
	}
	if r.IncludeNIC {
		targets = append(targets, "NIC")
	}
	if r.IncludeRAID {
		targets = append(targets, "RAID")
	}
	return targets
}

// ScpExportResult carries the retrieved configuration document plus which
// transport ultimately delivered it, so callers can record it on the backup
// row and decide whether a warning belongs in the job's details.
type ScpExportResult struct {
	Content   string
	Transport string // local | http_push | share
}

const exportAction = "/redfish/v1/Managers/iDRAC.Embedded.1/Actions/Oem/EID_674_Manager.ExportSystemConfiguration"
const importAction = "/redfish/v1/Managers/iDRAC.Embedded.1/Actions/Oem/EID_674_Manager.ImportSystemConfiguration"

// ExportSCP drives the Dell System Configuration Profile export flow. A
// "Local" export returns the profile content directly in the task monitor
// and is tried first; when the target iDRAC doesn't support Local export
// (older firmware) or the poll comes back with no usable content, it falls
// back through an ephemeral HTTP-push receiver and finally, if the fleet
// has a share configured, a CIFS/NFS network share.
func (c *Client) ExportSCP(ctx context.Context, t Target, req ScpExportRequest, share *ShareConfig) (*ScpExportResult, error) {
	shareType := req.ShareType
	if shareType == "" {
		shareType = "Local"
	}

	shareParams := map[string]any{"Target": strings.Join(req.targets(), ",")}
	if !strings.EqualFold(shareType, "local") {
		shareParams["ShareType"] = shareType
		if req.ShareAddress != "" {
			shareParams["IPAddress"] = req.ShareAddress
		}
		if req.ShareName != "" {
			shareParams["ShareName"] = req.ShareName
		}
		if req.ShareUsername != "" {
			shareParams["UserName"] = req.ShareUsername
		}
		if req.SharePassword != "" {
			shareParams["Password"] = req.SharePassword
		}
		if req.ShareFileName != "" {
			shareParams["FileName"] = req.ShareFileName
		}
	}

	exportUse := req.ExportUse
	if exportUse == "" {
		exportUse = "Clone"
	}
	payload := map[string]any{
		"ExportFormat":    "XML",
		"ShareParameters": shareParams,
		"ExportUse":       exportUse,
		"IncludeInExport": "Default",
	}

	data, status, err := c.do(ctx, t, http.MethodPost, exportAction, payload)
	localRejected := err != nil && status >= 400 && status != http.StatusUnauthorized && status != http.StatusForbidden
	if err != nil && status != http.StatusAccepted && !localRejected {
		return nil, err
	}

	if status == http.StatusAccepted || localRejected {
		content, pollErr := "", err
		if !localRejected {
			content, pollErr = c.pollExportTask(ctx, t, data)
		}
		if pollErr == nil && content != "" {
			return &ScpExportResult{Content: content, Transport: "local"}, nil
		}

		pushContent, pushErr := c.exportViaHTTPPush(ctx, t, req.targets(), exportUse)
		if pushErr == nil {
			return &ScpExportResult{Content: pushContent, Transport: "http_push"}, nil
		}

		if share != nil {
			shareContent, shareErr := c.exportViaShare(ctx, t, req.targets(), exportUse, share)
			if shareErr == nil {
				return &ScpExportResult{Content: shareContent, Transport: "share"}, nil
			}
			return nil, fmt.Errorf("scp export exhausted all transports: local=%v http_push=%v share=%v", pollErr, pushErr, shareErr)
		}

		return nil, fmt.Errorf("scp export exhausted local and http_push transports: local=%v http_push=%v", pollErr, pushErr)
	}

	content := extractScpContent(data)
	if content == "" {
		return nil, fmt.Errorf("scp export completed but returned no content")
	}
	return &ScpExportResult{Content: content, Transport: "local"}, nil
}

// ImportSCP pushes a previously exported configuration document back to the
// target. It is fire-and-forget from the caller's perspective: the iDRAC
// applies the profile and may reboot the host per shutdownType/powerState.
func (c *Client) ImportSCP(ctx context.Context, t Target, content string, shutdownType, powerState string, targets []string) error {
	if shutdownType == "" {
		shutdownType = "Graceful"
	}
	if powerState == "" {
		powerState = "On"
	}
	payload := map[string]any{
		"ImportBuffer":    content,
		"ShareParameters": map[string]any{"Target": strings.Join(targets, ",")},
		"ShutdownType":    shutdownType,
		"HostPowerState":  powerState,
	}
	_, _, err := c.do(ctx, t, http.MethodPost, importAction, payload)
	return err
}

// pollExportTask polls the async task URI returned by a 202 export
// response every 5s for up to 5 minutes, returning the SCP content once
// the task reaches a terminal success state.
func (c *Client) pollExportTask(ctx context.Context, t Target, accepted map[string]any) (string, error) {
	taskURI := extractTaskURI(accepted)
	if taskURI == "" {
		return "", fmt.Errorf("export accepted but no task URI provided")
	}
	if !strings.HasPrefix(taskURI, "http") {
		taskURI = strings.TrimPrefix(taskURI, "https://"+t.IP)
	}
	if !strings.HasPrefix(taskURI, "/") {
		taskURI = "/" + taskURI
	}

	deadline := time.Now().Add(300 * time.Second)
	for time.Now().Before(deadline) {
		data, _, err := c.do(ctx, t, http.MethodGet, taskURI, nil)
		if err != nil {
			return "", err
		}

		state := extractTaskState(data)
		if isTaskSuccess(state) {
			content := extractScpContent(data)
			if content != "" && isValidScpContent(content) {
				return content, nil
			}
			return "", fmt.Errorf("task completed with no valid configuration content")
		}
		if isTaskFailure(state) {
			return "", fmt.Errorf("scp export task failed: state=%s", state)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return "", fmt.Errorf("scp export task did not complete within 300s")
}

// ShareConfig is the CIFS/NFS fallback share, sourced from activity settings.
type ShareConfig struct {
	Enabled  bool
	Type     string // CIFS or NFS
	Path     string
	Username string
	Password string
}

func (c *Client) exportViaShare(ctx context.Context, t Target, targets []string, exportUse string, share *ShareConfig) (string, error) {
	if !share.Enabled {
		return "", fmt.Errorf("network share export is not configured")
	}
	if share.Path == "" {
		return "", fmt.Errorf("network share path is not configured")
	}

	var shareIP, shareName string
	if strings.EqualFold(share.Type, "CIFS") {
		clean := strings.TrimPrefix(strings.ReplaceAll(share.Path, `\`, "/"), "//")
		parts := strings.SplitN(clean, "/", 2)
		if len(parts) < 2 {
			return "", fmt.Errorf("invalid CIFS path: %s", share.Path)
		}
		shareIP, shareName = parts[0], parts[1]
	} else {
		idx := strings.Index(share.Path, ":")
		if idx < 0 {
			return "", fmt.Errorf("invalid NFS path: %s", share.Path)
		}
		shareIP = share.Path[:idx]
		shareName = strings.Trim(share.Path[idx+1:], "/")
	}

	fileName := fmt.Sprintf("scp_export_%d.xml", time.Now().UnixNano())
	shareParams := map[string]any{
		"Target":    strings.Join(targets, ","),
		"ShareType": share.Type,
		"IPAddress": shareIP,
		"ShareName": shareName,
		"FileName":  fileName,
	}
	if strings.EqualFold(share.Type, "CIFS") {
		if share.Username == "" {
			return "", fmt.Errorf("CIFS share username is not configured")
		}
		shareParams["UserName"] = share.Username
		shareParams["Password"] = share.Password
	}

	payload := map[string]any{
		"ExportFormat":    "XML",
		"ShareParameters": shareParams,
		"ExportUse":       exportUse,
		"IncludeInExport": "Default",
	}

	data, status, err := c.do(ctx, t, http.MethodPost, exportAction, payload)
	if err != nil && status != http.StatusAccepted {
		return "", err
	}
	if status == http.StatusAccepted {
		if _, pollErr := c.pollExportTask(ctx, t, data); pollErr != nil {
			return "", pollErr
		}
	}

	// The file now lives on the network share; retrieving it requires the
	// process to mount or speak the share protocol directly, which is out
	// of scope here. Record where it landed so an operator can fetch it.
	return fmt.Sprintf(`{"share_export":true,"share_type":%q,"share_path":"%s/%s/%s"}`, share.Type, shareIP, shareName, fileName), nil
}

// exportViaHTTPPush stands up a one-shot HTTP receiver on an ephemeral
// port, tells the iDRAC to push the exported profile there, and waits up
// to 5 minutes for the PUT/POST to arrive.
func (c *Client) exportViaHTTPPush(ctx context.Context, t Target, targets []string, exportUse string) (string, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", fmt.Errorf("open http push listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	localIP := outboundIP()

	received := make(chan []byte, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/scp_export.xml", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		if r.ContentLength > 0 {
			_, _ = r.Body.Read(body)
		}
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		payload := append(body, buf.Bytes()...)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		select {
		case received <- payload:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	payload := map[string]any{
		"ExportFormat": "XML",
		"ShareParameters": map[string]any{
			"Target":     strings.Join(targets, ","),
			"ShareType":  "HTTP",
			"IPAddress":  localIP,
			"PortNumber": port,
			"FileName":   "scp_export.xml",
		},
		"ExportUse":       exportUse,
		"IncludeInExport": "Default",
	}

	_, status, err := c.do(ctx, t, http.MethodPost, exportAction, payload)
	if err != nil && status != http.StatusAccepted && status != http.StatusOK {
		return "", err
	}

	select {
	case body := <-received:
		content := maybeParseContent(string(body))
		if content == "" {
			return "", fmt.Errorf("http push receiver got empty body")
		}
		return content, nil
	case <-time.After(300 * time.Second):
		return "", fmt.Errorf("http push receiver timed out waiting for iDRAC")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func extractTaskURI(data map[string]any) string {
	if data == nil {
		return ""
	}
	for _, key := range []string{"@odata.id", "TaskUri", "Location", "task"} {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func extractTaskState(data map[string]any) string {
	if data == nil {
		return ""
	}
	if v := asString(data["TaskState"]); v != "" {
		return v
	}
	if v := asString(data["Status"]); v != "" {
		return v
	}
	oem, _ := data["Oem"].(map[string]any)
	dell, _ := oem["Dell"].(map[string]any)
	if v := asString(dell["JobState"]); v != "" {
		return v
	}
	return asString(dell["Status"])
}

func isTaskSuccess(state string) bool {
	switch strings.ToLower(state) {
	case "completed", "completedok", "success", "succeeded":
		return true
	}
	return false
}

func isTaskFailure(state string) bool {
	switch strings.ToLower(state) {
	case "exception", "killed", "cancelled", "failed", "failure":
		return true
	}
	return false
}

// extractScpContent digs through the several shapes an iDRAC may embed the
// exported configuration document in: SystemConfiguration/Components at
// the top level, the Dell OEM block, FileContent (sometimes base64), or a
// bare raw response the Gateway's decodeRows already captured.
func extractScpContent(data map[string]any) string {
	if data == nil {
		return ""
	}
	for _, key := range []string{"SystemConfiguration", "ExportedSystemConfiguration"} {
		if v, ok := data[key]; ok {
			return marshalIfStruct(v)
		}
	}
	oem, _ := data["Oem"].(map[string]any)
	dell, _ := oem["Dell"].(map[string]any)
	for _, key := range []string{"SystemConfiguration", "ExportedSystemConfiguration", "FileContent"} {
		if v, ok := dell[key]; ok {
			return marshalIfStruct(v)
		}
	}
	for _, key := range []string{"Data", "ExportedData"} {
		if v, ok := data[key]; ok {
			return marshalIfStruct(v)
		}
	}
	if raw, ok := data["_raw_response"].(string); ok && raw != "" {
		return raw
	}
	return ""
}

func marshalIfStruct(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		raw, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func maybeParseContent(s string) string {
	return strings.TrimSpace(s)
}

// isValidScpContent distinguishes a real SCP document (XML starting with
// <SystemConfiguration, or JSON carrying SystemConfiguration/Components)
// from a task-status response that merely looks like it succeeded.
func isValidScpContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "<SystemConfiguration") {
		return true
	}
	if strings.HasPrefix(trimmed, "{") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			if _, ok := decoded["SystemConfiguration"]; ok {
				return true
			}
			if _, ok := decoded["Components"]; ok {
				return true
			}
			for _, statusKey := range []string{"TaskState", "JobState", "@odata.type", "@odata.id"} {
				if _, ok := decoded[statusKey]; ok {
					return false
				}
			}
			return true
		}
	}
	return trimmed != ""
}
