package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	zfs "github.com/vansante/go-zfsabi"
)

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// node is a dataset below the parent dataset with the user properties set on it directly
type node struct {
	ds    *zfs.Dataset
	local map[string]string
}

func (n node) name() string {
	return n.ds.Name()
}

func (n node) prop(key string) (string, bool) {
	val, ok := n.local[key]
	return val, ok
}

func (n node) timeProp(key string) (time.Time, bool, error) {
	val, ok := n.local[key]
	if !ok {
		return time.Time{}, false, nil
	}
	tm, err := time.Parse(dateTimeFormat, val)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("error parsing %s on %s: %w", key, n.name(), err)
	}
	return tm, true, nil
}

func (n node) intProp(key string) (int64, bool, error) {
	val, ok := n.local[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("error parsing %s on %s: %w", key, n.name(), err)
	}
	return i, true, nil
}

// tree lists the parent dataset and everything below it, parents before their children and
// the snapshots of a dataset ordered oldest first. User properties are inherited, so a
// property only counts as set on a dataset when its value differs from the one of the parent.
// The caller must close the tree.
func (r *Runner) tree(ctx context.Context) ([]node, error) {
	root, err := r.library.Open(ctx, r.config.ParentDataset)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", r.config.ParentDataset, err)
	}
	desc, err := root.Descendants(ctx)
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("error listing %s: %w", r.config.ParentDataset, err)
	}

	all := append([]*zfs.Dataset{root}, desc...)
	props := make(map[string]map[string]string, len(all))
	nodes := make([]node, 0, len(all))
	for _, ds := range all {
		p, err := ds.GetUserProperties(ctx)
		if err != nil {
			_ = zfs.CloseAll(all)
			return nil, fmt.Errorf("error reading properties of %s: %w", ds.Name(), err)
		}
		props[ds.Name()] = p

		inherited := props[parentName(ds.Name())]
		local := make(map[string]string, len(p))
		for k, v := range p {
			if pv, ok := inherited[k]; !ok || pv != v {
				local[k] = v
			}
		}
		nodes = append(nodes, node{ds: ds, local: local})
	}
	return nodes, nil
}

func closeTree(nodes []node) {
	for _, n := range nodes {
		_ = n.ds.Close()
	}
}

// snapshotsOf returns the snapshot nodes of the named dataset, oldest first
func snapshotsOf(nodes []node, dataset string) []node {
	var snaps []node
	for _, n := range nodes {
		if n.ds.IsSnapshot() && datasetOf(n.name()) == dataset {
			snaps = append(snaps, n)
		}
	}
	return snaps
}

// parentName returns the dataset a snapshot belongs to, or the parent of a filesystem or volume
func parentName(name string) string {
	if idx := strings.Index(name, "@"); idx >= 0 {
		return name[:idx]
	}
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

func datasetOf(name string) string {
	idx := strings.Index(name, "@")
	if idx < 0 {
		return name
	}
	return name[:idx]
}

func datasetName(name string, stripSnap bool) string {
	idx := strings.LastIndex(name, "/")
	if idx >= 0 {
		name = name[idx+1:]
	}
	if !stripSnap {
		return name
	}
	return datasetOf(name)
}

func snapshotName(name string) string {
	idx := strings.LastIndex(name, "@")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// randomizeDuration adds or removes up to 5% of the duration to randomize background routine wake up times
func randomizeDuration(d time.Duration) time.Duration {
	rnd := time.Duration(rand.Int63n(int64(d / 10)))

	return d - (d / 20) + rnd
}
