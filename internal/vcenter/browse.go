package vcenter

import (
	"context"
	"fmt"
	"path"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// DatastoreEntry is one file or directory returned by BrowseDatastore.
type DatastoreEntry struct {
	Path      string
	SizeBytes int64
	IsFolder  bool
}

// BrowseDatastore lists the immediate contents of path (e.g. "" for the
// datastore root, or "vm-name") on the named datastore, the primitive
// behind the Instant API Server's datastore-browse endpoint used during
// DR-shell placement.
func BrowseDatastore(ctx context.Context, client *govmomi.Client, datastoreName, dirPath string) ([]DatastoreEntry, error) {
	viewMgr := view.NewManager(client.Client)
	cv, err := viewMgr.CreateContainerView(ctx, client.ServiceContent.RootFolder, []string{"Datastore"}, true)
	if err != nil {
		return nil, fmt.Errorf("create datastore view: %w", err)
	}
	defer cv.Destroy(ctx)

	var datastores []mo.Datastore
	if err := cv.Retrieve(ctx, []string{"Datastore"}, []string{"name", "browser"}, &datastores); err != nil {
		return nil, fmt.Errorf("retrieve datastores: %w", err)
	}

	var ref *types.ManagedObjectReference
	for _, d := range datastores {
		if d.Name == datastoreName {
			moref := d.Reference()
			ref = &moref
			break
		}
	}
	if ref == nil {
		return nil, fmt.Errorf("datastore %q not found", datastoreName)
	}

	ds := object.NewDatastore(client.Client, *ref)

	browser, err := ds.Browser(ctx)
	if err != nil {
		return nil, fmt.Errorf("open datastore browser: %w", err)
	}

	searchPath := ds.Path(dirPath)
	spec := types.HostDatastoreBrowserSearchSpec{
		Details: &types.FileQueryFlags{FileSize: true, FileType: true},
	}

	task, err := browser.SearchDatastore(ctx, searchPath, &spec)
	if err != nil {
		return nil, fmt.Errorf("search datastore %s: %w", searchPath, err)
	}

	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wait for datastore search: %w", err)
	}

	results, ok := info.Result.(types.HostDatastoreBrowserSearchResults)
	if !ok {
		return nil, fmt.Errorf("unexpected search result type %T", info.Result)
	}

	entries := make([]DatastoreEntry, 0, len(results.File))
	for _, f := range results.File {
		base := f.GetFileInfo()
		_, isFolder := f.(*types.FolderFileInfo)
		entries = append(entries, DatastoreEntry{
			Path:      path.Join(dirPath, base.Path),
			SizeBytes: base.FileSize,
			IsFolder:  isFolder,
		})
	}
	return entries, nil
}
