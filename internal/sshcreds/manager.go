// Package sshcreds resolves SSH credentials for replication targets through
// a multi-step fallback chain, and tests reachability of the resolved
// credentials over a real SSH connection.
package sshcreds

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	log "github.com/sirupsen/logrus"
)

// Target is the subset of a replication target row the manager needs.
type Target struct {
	ID                  string
	Hostname            string
	Port                int
	SSHUsername         string
	SSHKeyEncrypted     string
	SSHKeyID            string
	HostingVMID         string
	HostingVMName       string
	SourceTemplateID    string
}

// Credentials is the resolved connection recipe for a target.
type Credentials struct {
	Hostname    string
	NFSHostname string
	Port        int
	Username    string
	KeyPath     string
	KeyData     string
	Password    string
	KeySource   string
}

// VCenterVM is the subset of vcenter_vms the manager needs to resolve a
// hosting VM's reachable address and fuzzy-match it to a template.
type VCenterVM struct {
	Name       string
	IPAddress  string
	VCenterID  string
}

// SSHKey is a row from the ssh_keys table.
type SSHKey struct {
	ID                   string
	Name                 string
	PrivateKeyEncrypted  string
	Status               string
}

// ZFSTargetTemplate is a row from the zfs_target_templates table.
type ZFSTargetTemplate struct {
	ID           string
	Name         string
	TemplateName string
	VCenterID    string
	SSHKeyID     string
}

// SSHKeyDeployment is a row from the ssh_key_deployments table.
type SSHKeyDeployment struct {
	SSHKeyID string
	Status   string
}

// ActivitySettings holds the global SSH fallback configuration.
type ActivitySettings struct {
	SSHPrivateKeyEncrypted string
	SSHPrivateKeyPath      string
	SSHPasswordEncrypted   string
}

// Gateway is the narrow slice of the Persistence Gateway the manager needs.
type Gateway interface {
	VCenterVMByID(ctx context.Context, id string) (*VCenterVM, error)
	SSHKeyByID(ctx context.Context, id string) (*SSHKey, error)
	ActiveZFSTargetTemplates(ctx context.Context) ([]ZFSTargetTemplate, error)
	ZFSTargetTemplateByID(ctx context.Context, id string) (*ZFSTargetTemplate, error)
	SSHKeyDeploymentsByHostingVM(ctx context.Context, hostingVMID string) ([]SSHKeyDeployment, error)
	SSHKeyDeploymentsByTarget(ctx context.Context, targetID string) ([]SSHKeyDeployment, error)
	ActivitySettings(ctx context.Context) (*ActivitySettings, error)
}

// Decrypter decrypts an encrypted blob, shared with the credential resolver.
type Decrypter interface {
	Decrypt(ctx context.Context, encrypted string) (string, error)
}

// Manager resolves and tests SSH credentials, grounded on the original
// job executor's SSHCredentialManager.
type Manager struct {
	gw        Gateway
	decrypter Decrypter
}

// NewManager builds a Manager.
func NewManager(gw Gateway, decrypter Decrypter) *Manager {
	return &Manager{gw: gw, decrypter: decrypter}
}

// GetCredentials walks the 7-step lookup chain: target's own encrypted key,
// ssh_key_id reference, hosting_vm_id → fuzzy template match, source
// template, any deployment row, global settings, then the caller-supplied
// fallback password.
func (m *Manager) GetCredentials(ctx context.Context, target Target, fallbackPassword string) (*Credentials, error) {
	port := target.Port
	if port == 0 {
		port = 22
	}
	username := target.SSHUsername
	if username == "" {
		username = "root"
	}

	sshHostname := target.Hostname
	if target.HostingVMID != "" {
		if vmHost := m.hostingVMHostname(ctx, target.HostingVMID); vmHost != "" {
			log.WithFields(log.Fields{"hosting_vm": target.HostingVMID, "resolved": vmHost}).Info("[SSH] using hosting VM address instead of target hostname")
			sshHostname = vmHost
		}
	}

	if sshHostname == "" {
		return nil, fmt.Errorf("target has no hostname or hosting VM")
	}

	creds := &Credentials{Hostname: sshHostname, NFSHostname: target.Hostname, Port: port, Username: username}

	if target.SSHKeyEncrypted != "" {
		if keyData, err := m.decrypter.Decrypt(ctx, target.SSHKeyEncrypted); err == nil && keyData != "" {
			creds.KeyData = keyData
			creds.KeySource = "target_ssh_key_encrypted"
			return creds, nil
		}
	}

	if target.SSHKeyID != "" {
		if keyData := m.fetchSSHKeyByID(ctx, target.SSHKeyID, sshHostname); keyData != "" {
			creds.KeyData = keyData
			creds.KeySource = "ssh_key_id:" + target.SSHKeyID
			return creds, nil
		}
	}

	if target.HostingVMID != "" {
		if keyData := m.fetchSSHKeyViaHostingVM(ctx, target.HostingVMID, sshHostname); keyData != "" {
			creds.KeyData = keyData
			creds.KeySource = "hosting_vm:" + target.HostingVMID
			return creds, nil
		}
	}

	if target.SourceTemplateID != "" {
		if keyData := m.fetchSSHKeyViaTemplate(ctx, target.SourceTemplateID, sshHostname); keyData != "" {
			creds.KeyData = keyData
			creds.KeySource = "source_template:" + target.SourceTemplateID
			return creds, nil
		}
	}

	if target.ID != "" {
		if keyData := m.fetchSSHKeyViaDeployment(ctx, target.ID, sshHostname); keyData != "" {
			creds.KeyData = keyData
			creds.KeySource = "deployment:target:" + target.ID
			return creds, nil
		}
	}

	keyData, keyPath, password := m.fetchSSHFromSettings(ctx)
	switch {
	case keyData != "":
		creds.KeyData = keyData
		creds.KeySource = "activity_settings:key_data"
		return creds, nil
	case keyPath != "":
		creds.KeyPath = keyPath
		creds.KeySource = "activity_settings:key_path"
		return creds, nil
	case password != "":
		creds.Password = password
		creds.KeySource = "activity_settings:password"
		return creds, nil
	}

	if fallbackPassword != "" {
		creds.Password = fallbackPassword
		creds.KeySource = "provided_password"
		return creds, nil
	}

	return nil, fmt.Errorf("no SSH credentials available for %s; assign an SSH key or run key exchange", sshHostname)
}

func (m *Manager) hostingVMHostname(ctx context.Context, hostingVMID string) string {
	vm, err := m.gw.VCenterVMByID(ctx, hostingVMID)
	if err != nil || vm == nil {
		return ""
	}
	if vm.IPAddress != "" {
		return vm.IPAddress
	}
	return vm.Name
}

func (m *Manager) fetchSSHKeyByID(ctx context.Context, sshKeyID, hostname string) string {
	key, err := m.gw.SSHKeyByID(ctx, sshKeyID)
	if err != nil || key == nil || key.PrivateKeyEncrypted == "" {
		return ""
	}
	switch key.Status {
	case "active", "pending", "deployed":
	default:
		log.WithFields(log.Fields{"ssh_key_id": sshKeyID, "status": key.Status}).Debug("[SSH] key status not acceptable, skipping")
		return ""
	}
	keyData, err := m.decrypter.Decrypt(ctx, key.PrivateKeyEncrypted)
	if err != nil || keyData == "" {
		return ""
	}
	log.WithFields(log.Fields{"ssh_key": key.Name, "hostname": hostname}).Info("[SSH] using SSH key")
	return keyData
}

var sitePrefixPattern = regexp.MustCompile(`(?i)^(S\d{2})-`)

func extractSitePrefix(name string) string {
	m := sitePrefixPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

func isReplicationAppliance(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range []string{"VRP", "VREP", "REPL", "-REP-"} {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

func stripTemplateSuffixes(name string) string {
	for _, suffix := range []string{"-TMP", "-TEMPLATE", "_TMP", "_TEMPLATE"} {
		name = strings.ReplaceAll(name, suffix, "")
	}
	return name
}

// fetchSSHKeyViaHostingVM follows hosting_vm_id → vcenter_vms → a
// fuzzy-matched zfs_target_templates row → ssh_key_id.
func (m *Manager) fetchSSHKeyViaHostingVM(ctx context.Context, hostingVMID, hostname string) string {
	vm, err := m.gw.VCenterVMByID(ctx, hostingVMID)
	if err != nil || vm == nil {
		return ""
	}

	templates, err := m.gw.ActiveZFSTargetTemplates(ctx)
	if err != nil || len(templates) == 0 {
		return ""
	}

	vmSite := extractSitePrefix(vm.Name)
	vmIsRepl := isReplicationAppliance(vm.Name)

	var vcenterFallback *ZFSTargetTemplate
	for i := range templates {
		tpl := &templates[i]
		if tpl.SSHKeyID == "" {
			continue
		}

		if vcenterFallback == nil && tpl.VCenterID != "" && tpl.VCenterID == vm.VCenterID {
			vcenterFallback = tpl
		}

		nameBase := stripTemplateSuffixes(tpl.Name)
		if nameBase != "" && strings.HasPrefix(vm.Name, nameBase) {
			return m.fetchSSHKeyByID(ctx, tpl.SSHKeyID, hostname)
		}

		templateVMBase := stripTemplateSuffixes(tpl.TemplateName)
		if templateVMBase != "" && strings.HasPrefix(vm.Name, templateVMBase) {
			return m.fetchSSHKeyByID(ctx, tpl.SSHKeyID, hostname)
		}

		templateSite := extractSitePrefix(tpl.Name)
		templateIsRepl := isReplicationAppliance(tpl.Name)
		if vmSite != "" && templateSite != "" && vmSite == templateSite && vmIsRepl && templateIsRepl {
			return m.fetchSSHKeyByID(ctx, tpl.SSHKeyID, hostname)
		}
	}

	if vcenterFallback != nil {
		return m.fetchSSHKeyByID(ctx, vcenterFallback.SSHKeyID, hostname)
	}

	deployments, err := m.gw.SSHKeyDeploymentsByHostingVM(ctx, hostingVMID)
	if err == nil && len(deployments) > 0 {
		return m.fetchSSHKeyByID(ctx, deployments[0].SSHKeyID, hostname)
	}

	return ""
}

func (m *Manager) fetchSSHKeyViaTemplate(ctx context.Context, templateID, hostname string) string {
	tpl, err := m.gw.ZFSTargetTemplateByID(ctx, templateID)
	if err != nil || tpl == nil || tpl.SSHKeyID == "" {
		return ""
	}
	return m.fetchSSHKeyByID(ctx, tpl.SSHKeyID, hostname)
}

func (m *Manager) fetchSSHKeyViaDeployment(ctx context.Context, targetID, hostname string) string {
	deployments, err := m.gw.SSHKeyDeploymentsByTarget(ctx, targetID)
	if err != nil || len(deployments) == 0 {
		return ""
	}

	chosen := deployments[0]
	for _, d := range deployments {
		if d.Status == "deployed" {
			chosen = d
			break
		}
	}
	return m.fetchSSHKeyByID(ctx, chosen.SSHKeyID, hostname)
}

func (m *Manager) fetchSSHFromSettings(ctx context.Context) (keyData, keyPath, password string) {
	settings, err := m.gw.ActivitySettings(ctx)
	if err != nil || settings == nil {
		return "", "", ""
	}

	if settings.SSHPrivateKeyEncrypted != "" {
		if k, err := m.decrypter.Decrypt(ctx, settings.SSHPrivateKeyEncrypted); err == nil && k != "" {
			return k, "", ""
		}
	}
	if settings.SSHPrivateKeyPath != "" {
		return "", settings.SSHPrivateKeyPath, ""
	}
	if settings.SSHPasswordEncrypted != "" {
		if p, err := m.decrypter.Decrypt(ctx, settings.SSHPasswordEncrypted); err == nil && p != "" {
			return "", "", p
		}
	}
	return "", "", ""
}

// TestResult is the outcome of TestConnection.
type TestResult struct {
	Success bool
	Error   string
}

// TestConnection dials the target over SSH, authenticates with whichever of
// KeyData/KeyPath/Password is set, and runs a trivial command to confirm
// the session is usable.
func (m *Manager) TestConnection(creds Credentials, timeout time.Duration) TestResult {
	if creds.Hostname == "" {
		return TestResult{Error: "no hostname in credentials"}
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	auth, err := AuthMethod(creds)
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(creds.Hostname, fmt.Sprintf("%d", creds.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return TestResult{Error: fmt.Sprintf("ssh dial failed: %v", err)}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return TestResult{Error: fmt.Sprintf("ssh session failed: %v", err)}
	}
	defer session.Close()

	out, err := session.CombinedOutput("echo ok")
	if err != nil {
		return TestResult{Error: fmt.Sprintf("command failed: %v", err)}
	}
	if strings.TrimSpace(string(out)) != "ok" {
		return TestResult{Error: "unexpected command output"}
	}

	log.WithField("hostname", creds.Hostname).Info("[SSH] connection test succeeded")
	return TestResult{Success: true}
}

// AuthMethod builds an ssh.AuthMethod from whichever of KeyData/KeyPath/
// Password is set on creds, preferring key data over a key file over a
// plain password. Exported so internal/replication can authenticate the
// same resolved credentials without redoing this precedence.
func AuthMethod(creds Credentials) (ssh.AuthMethod, error) {
	switch {
	case creds.KeyData != "":
		signer, err := ssh.ParsePrivateKey([]byte(creds.KeyData))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key data: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case creds.KeyPath != "":
		signer, err := loadPrivateKeyFile(creds.KeyPath)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	case creds.Password != "":
		return ssh.Password(creds.Password), nil
	default:
		return nil, fmt.Errorf("no SSH key or password available")
	}
}
