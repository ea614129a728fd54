package persistence

import (
	"context"
	"fmt"

	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/sshcreds"
)

// The methods in this file adapt the generic Select/Insert/Upsert/Patch
// REST surface to the narrow, typed interfaces internal/credentials and
// internal/sshcreds each declare for themselves. Gateway satisfies both
// without either package importing this one.

// CredentialSetsByID implements credentials.Gateway.
func (g *Gateway) CredentialSetsByID(ctx context.Context, ids []string) ([]credentials.CredentialSet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := g.Select(ctx, "credential_sets", map[string]string{"id": inList(ids)}, "", "priority.asc")
	if err != nil {
		return nil, err
	}
	sets := make([]credentials.CredentialSet, 0, len(rows))
	for _, row := range rows {
		sets = append(sets, rowToCredentialSet(row))
	}
	return sets, nil
}

// CredentialSetByID implements credentials.Gateway.
func (g *Gateway) CredentialSetByID(ctx context.Context, id, credentialType string) (*credentials.CredentialSet, error) {
	rows, err := g.Select(ctx, "credential_sets", map[string]string{"id": eq(id), "credential_type": eq(credentialType)}, "", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	cred := rowToCredentialSet(rows[0])
	return &cred, nil
}

// CredentialSetByVCenterHostID implements credentials.Gateway.
func (g *Gateway) CredentialSetByVCenterHostID(ctx context.Context, hostID, credentialType string) (*credentials.CredentialSet, error) {
	rows, err := g.Select(ctx, "credential_sets", map[string]string{"vcenter_host_id": eq(hostID), "credential_type": eq(credentialType)}, "", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	cred := rowToCredentialSet(rows[0])
	return &cred, nil
}

// DefaultCredentialSet implements credentials.Gateway.
func (g *Gateway) DefaultCredentialSet(ctx context.Context, credentialType string) (*credentials.CredentialSet, error) {
	rows, err := g.Select(ctx, "credential_sets", map[string]string{"credential_type": eq(credentialType), "is_default": eq("true")}, "", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	cred := rowToCredentialSet(rows[0])
	return &cred, nil
}

// CredentialIPRanges implements credentials.Gateway.
func (g *Gateway) CredentialIPRanges(ctx context.Context) ([]credentials.IPRangeEntry, error) {
	rows, err := g.Select(ctx, "credential_ip_ranges", nil, "*,credential_sets(*)", "")
	if err != nil {
		return nil, err
	}
	entries := make([]credentials.IPRangeEntry, 0, len(rows))
	for _, row := range rows {
		nested, _ := row["credential_sets"].(map[string]any)
		entries = append(entries, credentials.IPRangeEntry{
			IPRange:       asString(row["ip_range"]),
			Priority:      asInt(row["priority"]),
			CredentialSet: rowToCredentialSet(nested),
		})
	}
	return entries, nil
}

func rowToCredentialSet(row map[string]any) credentials.CredentialSet {
	return credentials.CredentialSet{
		ID:                asString(row["id"]),
		Name:              asString(row["name"]),
		Username:          asString(row["username"]),
		Password:          asString(row["password"]),
		PasswordEncrypted: asString(row["password_encrypted"]),
		Priority:          asInt(row["priority"]),
		CredentialType:    asString(row["credential_type"]),
		IsDefault:         row["is_default"] == true,
	}
}

// VCenterVMByID implements sshcreds.Gateway.
func (g *Gateway) VCenterVMByID(ctx context.Context, id string) (*sshcreds.VCenterVM, error) {
	rows, err := g.Select(ctx, "vcenter_vms", map[string]string{"id": eq(id)}, "name,ip_address,vcenter_id", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	row := rows[0]
	return &sshcreds.VCenterVM{
		Name:      asString(row["name"]),
		IPAddress: asString(row["ip_address"]),
		VCenterID: asString(row["vcenter_id"]),
	}, nil
}

// SSHKeyByID implements sshcreds.Gateway.
func (g *Gateway) SSHKeyByID(ctx context.Context, id string) (*sshcreds.SSHKey, error) {
	rows, err := g.Select(ctx, "ssh_keys", map[string]string{"id": eq(id)}, "id,name,private_key_encrypted,status", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	row := rows[0]
	return &sshcreds.SSHKey{
		ID:                  asString(row["id"]),
		Name:                asString(row["name"]),
		PrivateKeyEncrypted: asString(row["private_key_encrypted"]),
		Status:              asString(row["status"]),
	}, nil
}

// ActiveZFSTargetTemplates implements sshcreds.Gateway.
func (g *Gateway) ActiveZFSTargetTemplates(ctx context.Context) ([]sshcreds.ZFSTargetTemplate, error) {
	rows, err := g.Select(ctx, "zfs_target_templates", map[string]string{"is_active": eq("true")}, "id,name,ssh_key_id,template_name,vcenter_id", "")
	if err != nil {
		return nil, err
	}
	templates := make([]sshcreds.ZFSTargetTemplate, 0, len(rows))
	for _, row := range rows {
		templates = append(templates, rowToTemplate(row))
	}
	return templates, nil
}

// ZFSTargetTemplateByID implements sshcreds.Gateway.
func (g *Gateway) ZFSTargetTemplateByID(ctx context.Context, id string) (*sshcreds.ZFSTargetTemplate, error) {
	rows, err := g.Select(ctx, "zfs_target_templates", map[string]string{"id": eq(id)}, "id,name,ssh_key_id", "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	tpl := rowToTemplate(rows[0])
	return &tpl, nil
}

func rowToTemplate(row map[string]any) sshcreds.ZFSTargetTemplate {
	return sshcreds.ZFSTargetTemplate{
		ID:           asString(row["id"]),
		Name:         asString(row["name"]),
		TemplateName: asString(row["template_name"]),
		VCenterID:    asString(row["vcenter_id"]),
		SSHKeyID:     asString(row["ssh_key_id"]),
	}
}

// SSHKeyDeploymentsByHostingVM implements sshcreds.Gateway.
func (g *Gateway) SSHKeyDeploymentsByHostingVM(ctx context.Context, hostingVMID string) ([]sshcreds.SSHKeyDeployment, error) {
	rows, err := g.Select(ctx, "ssh_key_deployments", map[string]string{
		"hosting_vm_id": eq(hostingVMID),
		"status":        "in.(deployed,active,pending)",
	}, "ssh_key_id,status", "")
	if err != nil {
		return nil, err
	}
	return rowsToDeployments(rows), nil
}

// SSHKeyDeploymentsByTarget implements sshcreds.Gateway.
func (g *Gateway) SSHKeyDeploymentsByTarget(ctx context.Context, targetID string) ([]sshcreds.SSHKeyDeployment, error) {
	rows, err := g.Select(ctx, "ssh_key_deployments", map[string]string{"replication_target_id": eq(targetID)}, "ssh_key_id,status", "")
	if err != nil {
		return nil, err
	}
	return rowsToDeployments(rows), nil
}

func rowsToDeployments(rows []map[string]any) []sshcreds.SSHKeyDeployment {
	deployments := make([]sshcreds.SSHKeyDeployment, 0, len(rows))
	for _, row := range rows {
		deployments = append(deployments, sshcreds.SSHKeyDeployment{
			SSHKeyID: asString(row["ssh_key_id"]),
			Status:   asString(row["status"]),
		})
	}
	return deployments
}

// ActivitySettings implements sshcreds.Gateway.
func (g *Gateway) ActivitySettings(ctx context.Context) (*sshcreds.ActivitySettings, error) {
	rows, err := g.Select(ctx, "activity_settings", map[string]string{"limit": "1"}, "*", "")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no activity_settings row found")
	}
	row := rows[0]
	return &sshcreds.ActivitySettings{
		SSHPrivateKeyEncrypted: asString(row["ssh_private_key_encrypted"]),
		SSHPrivateKeyPath:      asString(row["ssh_private_key_path"]),
		SSHPasswordEncrypted:   asString(row["ssh_password_encrypted"]),
	}, nil
}
