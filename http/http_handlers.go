package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/zstd"

	zfs "github.com/vansante/go-zfsabi"
)

const (
	GETParamProperties       = "props"
	GETParamRecursive        = "recursive"
	GETParamDefer            = "defer"
	GETParamForce            = "force"
	GETParamTarget           = "target"
	GETParamRaw              = "raw"
	GETParamBytesPerSecond   = "bytesPerSecond"
	GETParamCompressionLevel = "compressionLevel"
)

// SetProperties is used by the http api to set and unset zfs properties remotely
type SetProperties struct {
	Set   map[string]string `json:"set,omitempty"`
	Unset []string          `json:"unset,omitempty"`
}

// DatasetInfo describes a dataset in responses
type DatasetInfo struct {
	Name      string          `json:"Name"`
	Type      zfs.DatasetType `json:"Type"`
	CreateTxg uint64          `json:"CreateTxg,omitempty"`
}

var validComponentRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,255}$`)

func validComponent(name string) bool {
	return name != "." && name != ".." && validComponentRegexp.MatchString(name)
}

// datasetName maps the relative name in the URL to a full dataset name. An empty name is the
// parent dataset, a name starting with @ is a snapshot of the parent dataset.
func (h *HTTP) datasetName(ps httprouter.Params, param string) (string, bool) {
	return h.fullName(strings.Trim(ps.ByName(param), "/"))
}

func (h *HTTP) fullName(rel string) (string, bool) {
	fs, snap, isSnap := strings.Cut(rel, "@")
	name := h.config.ParentDataset
	if fs != "" {
		for _, component := range strings.Split(fs, "/") {
			if !validComponent(component) {
				return "", false
			}
		}
		name += "/" + fs
	}
	if !isSnap {
		return name, true
	}
	if !validComponent(snap) {
		return "", false
	}
	return name + "@" + snap, true
}

// errorStatus maps library errors to response codes
func errorStatus(err error) int {
	var (
		hasChildren  *zfs.HasChildrenError
		clonePresent *zfs.ClonePresentError
		configErr    *zfs.ConfigurationError
		staleErr     *zfs.StaleHandleError
	)
	switch {
	case errors.Is(err, zfs.ErrDatasetNotFound):
		return http.StatusNotFound
	case errors.As(err, &hasChildren), errors.As(err, &clonePresent):
		return http.StatusConflict
	case errors.As(err, &configErr), errors.Is(err, zfs.ErrSendNotSupported):
		return http.StatusNotImplemented
	case errors.As(err, &staleErr):
		return http.StatusGone
	case errors.Is(err, zfs.ErrInvalidName),
		errors.Is(err, zfs.ErrOnlySnapshotsSupported),
		errors.Is(err, zfs.ErrSnapshotsNotSupported),
		errors.Is(err, zfs.ErrNotUserProperty),
		errors.Is(err, zfs.ErrUnknownDatasetType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	} else {
		logger.Info(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		logger.Error("zfs.http.writeJSON: Error encoding json", "error", err)
	}
}

func datasetInfo(ctx context.Context, ds *zfs.Dataset) (DatasetInfo, error) {
	info := DatasetInfo{Name: ds.Name(), Type: ds.Type()}
	txg, err := ds.CreateTxg(ctx)
	switch {
	case errors.Is(err, zfs.ErrNotOrderable):
		// Left out
	case err != nil:
		return info, err
	default:
		info.CreateTxg = txg
	}
	return info, nil
}

func (h *HTTP) writeDatasets(w http.ResponseWriter, req *http.Request, list []*zfs.Dataset, logger *slog.Logger) {
	infos := make([]DatasetInfo, 0, len(list))
	for _, ds := range list {
		info, err := datasetInfo(req.Context(), ds)
		if err != nil {
			writeError(w, logger, "zfs.http.writeDatasets: Error getting dataset info", err)
			return
		}
		infos = append(infos, info)
	}
	writeJSON(w, logger, http.StatusOK, infos)
}

// openParam opens the dataset named by the route parameter, false means a response was written
func (h *HTTP) openParam(w http.ResponseWriter, req *http.Request, ps httprouter.Params, param string, logger *slog.Logger) (*zfs.Dataset, bool) {
	name, ok := h.datasetName(ps, param)
	if !ok {
		logger.Info("zfs.http.openParam: Invalid identifier", param, ps.ByName(param))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	ds, err := h.library.Open(req.Context(), name)
	if err != nil {
		writeError(w, logger.With(param, name), "zfs.http.openParam: Error opening dataset", err)
		return nil, false
	}
	return ds, true
}

func (h *HTTP) listHandler(list func(*zfs.Dataset, context.Context) ([]*zfs.Dataset, error)) handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
		ds, ok := h.openParam(w, req, ps, "dataset", logger)
		if !ok {
			return
		}
		defer ds.Close() // nolint: errcheck

		datasets, err := list(ds, req.Context())
		if err != nil {
			writeError(w, logger, "zfs.http.listHandler: Error listing datasets", err)
			return
		}
		defer zfs.CloseAll(datasets) // nolint: errcheck

		h.writeDatasets(w, req, datasets, logger)
	}
}

func (h *HTTP) handleListChildren(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	h.listHandler((*zfs.Dataset).Children)(w, req, ps, logger)
}

func (h *HTTP) handleListDescendants(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	h.listHandler((*zfs.Dataset).Descendants)(w, req, ps, logger)
}

func (h *HTTP) handleListSnapshots(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	h.listHandler((*zfs.Dataset).Snapshots)(w, req, ps, logger)
}

func propertyKeys(req *http.Request) []string {
	fieldsStr := req.URL.Query().Get(GETParamProperties)
	if fieldsStr == "" {
		return nil
	}

	fields := strings.Split(fieldsStr, ",")
	filtered := make([]string, 0, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		filtered = append(filtered, field)
	}
	return filtered
}

// readProperties reads native and user properties, absent properties are left out
func readProperties(ctx context.Context, ds *zfs.Dataset, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return ds.GetUserProperties(ctx)
	}

	var native, user []string
	for _, key := range keys {
		if zfs.IsUserProperty(key) {
			user = append(user, key)
		} else {
			native = append(native, key)
		}
	}

	props, err := ds.GetProperties(ctx, native...)
	if err != nil {
		return nil, err
	}
	if len(user) == 0 {
		return props, nil
	}
	userProps, err := ds.GetUserProperties(ctx, user...)
	if err != nil {
		return nil, err
	}
	for k, v := range userProps {
		props[k] = v
	}
	return props, nil
}

func (h *HTTP) handleGetProperties(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	ds, ok := h.openParam(w, req, ps, "dataset", logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	props, err := readProperties(req.Context(), ds, propertyKeys(req))
	if err != nil {
		writeError(w, logger, "zfs.http.handleGetProperties: Error getting properties", err)
		return
	}
	writeJSON(w, logger, http.StatusOK, props)
}

func (h *HTTP) handleSetProperties(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	props := &SetProperties{}
	err := json.NewDecoder(req.Body).Decode(props)
	if err != nil {
		logger.Info("zfs.http.handleSetProperties: Error decoding properties", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ds, ok := h.openParam(w, req, ps, "dataset", logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	keys := make([]string, 0, len(props.Set)+len(props.Unset))
	for prop, val := range props.Set {
		err = ds.SetProperty(req.Context(), prop, val)
		if err != nil {
			writeError(w, logger.With("property", prop, "value", val), "zfs.http.handleSetProperties: Error setting property", err)
			return
		}
		keys = append(keys, prop)
	}
	for _, prop := range props.Unset {
		err = ds.InheritProperty(req.Context(), prop)
		if err != nil {
			writeError(w, logger.With("property", prop), "zfs.http.handleSetProperties: Error inheriting property", err)
			return
		}
		keys = append(keys, prop)
	}

	result := map[string]string{}
	if len(keys) > 0 {
		result, err = readProperties(req.Context(), ds, keys)
		if err != nil {
			writeError(w, logger, "zfs.http.handleSetProperties: Error getting properties", err)
			return
		}
	}
	writeJSON(w, logger, http.StatusOK, result)
}

func (h *HTTP) handleDestroyDataset(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	if !h.config.Permissions.AllowDestroy {
		logger.Info("zfs.http.handleDestroyDataset: Destroy forbidden")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if strings.Trim(ps.ByName("dataset"), "/") == "" {
		logger.Info("zfs.http.handleDestroyDataset: Refusing to destroy the parent dataset")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ds, ok := h.openParam(w, req, ps, "dataset", logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	err := ds.Destroy(req.Context(), zfs.DestroyOptions{
		Recursive: getBool(req, GETParamRecursive),
		Defer:     getBool(req, GETParamDefer),
	})
	if err != nil {
		writeError(w, logger, "zfs.http.handleDestroyDataset: Error destroying", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) handleRenameDataset(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	target, ok := h.fullName(strings.Trim(req.URL.Query().Get(GETParamTarget), "/"))
	if !ok || target == h.config.ParentDataset {
		logger.Info("zfs.http.handleRenameDataset: Invalid target", "target", req.URL.Query().Get(GETParamTarget))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ds, ok := h.openParam(w, req, ps, "dataset", logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	renamed, err := ds.Rename(req.Context(), target, zfs.RenameOptions{Recursive: getBool(req, GETParamRecursive)})
	if err != nil {
		writeError(w, logger, "zfs.http.handleRenameDataset: Error renaming", err)
		return
	}
	defer renamed.Close() // nolint: errcheck

	h.writeDataset(w, req, http.StatusOK, renamed, logger)
}

func (h *HTTP) writeDataset(w http.ResponseWriter, req *http.Request, status int, ds *zfs.Dataset, logger *slog.Logger) {
	info, err := datasetInfo(req.Context(), ds)
	if err != nil {
		writeError(w, logger, "zfs.http.writeDataset: Error getting dataset info", err)
		return
	}
	writeJSON(w, logger, status, info)
}

// openSnapshotParent splits the snapshot parameter and opens the dataset it belongs to
func (h *HTTP) openSnapshotParent(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) (*zfs.Dataset, string, bool) {
	name, ok := h.datasetName(ps, "snapshot")
	fsName, snapName, isSnap := strings.Cut(name, "@")
	if !ok || !isSnap {
		logger.Info("zfs.http.openSnapshotParent: Invalid snapshot identifier", "snapshot", ps.ByName("snapshot"))
		w.WriteHeader(http.StatusBadRequest)
		return nil, "", false
	}

	ds, err := h.library.Open(req.Context(), fsName)
	if err != nil {
		writeError(w, logger.With("dataset", fsName), "zfs.http.openSnapshotParent: Error opening dataset", err)
		return nil, "", false
	}
	return ds, snapName, true
}

func (h *HTTP) handleMakeSnapshot(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	ds, snapName, ok := h.openSnapshotParent(w, req, ps, logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	snap, err := ds.CreateSnapshot(req.Context(), snapName, zfs.SnapshotOptions{Recursive: getBool(req, GETParamRecursive)})
	switch {
	case err != nil:
		writeError(w, logger, "zfs.http.handleMakeSnapshot: Error making snapshot", err)
		return
	case snap == nil:
		logger.Info("zfs.http.handleMakeSnapshot: Snapshot skipped", "snapshot", snapName)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer snap.Close() // nolint: errcheck

	h.writeDataset(w, req, http.StatusCreated, snap, logger)
}

func (h *HTTP) handleDestroySnapshot(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	if !h.config.Permissions.AllowDestroy {
		logger.Info("zfs.http.handleDestroySnapshot: Destroy forbidden")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	ds, snapName, ok := h.openSnapshotParent(w, req, ps, logger)
	if !ok {
		return
	}
	defer ds.Close() // nolint: errcheck

	err := ds.DestroySnapshot(req.Context(), snapName, zfs.DestroyOptions{
		Recursive: getBool(req, GETParamRecursive),
		Defer:     getBool(req, GETParamDefer),
	})
	if err != nil {
		writeError(w, logger, "zfs.http.handleDestroySnapshot: Error destroying", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) handleRollback(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	if !h.config.Permissions.AllowRollback {
		logger.Info("zfs.http.handleRollback: Rollback forbidden")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	snap, ok := h.openParam(w, req, ps, "snapshot", logger)
	if !ok {
		return
	}
	defer snap.Close() // nolint: errcheck

	fs, err := snap.Rollback(req.Context(), zfs.RollbackOptions{
		Recursive: getBool(req, GETParamRecursive),
		Force:     getBool(req, GETParamForce),
	})
	if err != nil {
		writeError(w, logger, "zfs.http.handleRollback: Error rolling back", err)
		return
	}
	defer fs.Close() // nolint: errcheck

	h.writeDataset(w, req, http.StatusOK, fs, logger)
}

func (h *HTTP) handleClone(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	target, ok := h.fullName(strings.Trim(req.URL.Query().Get(GETParamTarget), "/"))
	if !ok || target == h.config.ParentDataset || strings.Contains(target, "@") {
		logger.Info("zfs.http.handleClone: Invalid target", "target", req.URL.Query().Get(GETParamTarget))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	snap, ok := h.openParam(w, req, ps, "snapshot", logger)
	if !ok {
		return
	}
	defer snap.Close() // nolint: errcheck

	clone, err := snap.Clone(req.Context(), target, zfs.CloneOptions{})
	if err != nil {
		writeError(w, logger, "zfs.http.handleClone: Error cloning", err)
		return
	}
	defer clone.Close() // nolint: errcheck

	h.writeDataset(w, req, http.StatusCreated, clone, logger)
}

func (h *HTTP) getCompressionLevel(req *http.Request) zstd.EncoderLevel {
	str := req.URL.Query().Get(GETParamCompressionLevel)
	if str == "" {
		return 0
	}
	ok, level := zstd.EncoderLevelFromString(str)
	if !ok {
		return 0
	}
	return level
}

func (h *HTTP) handleStreamSnapshot(w http.ResponseWriter, req *http.Request, ps httprouter.Params, logger *slog.Logger) {
	snap, ok := h.openParam(w, req, ps, "snapshot", logger)
	if !ok {
		return
	}
	defer snap.Close() // nolint: errcheck

	if !snap.IsSnapshot() {
		logger.Info("zfs.http.handleStreamSnapshot: Invalid type", "type", snap.Type())
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	counter := zfs.NewCountWriter(w)
	err := snap.Send(req.Context(), counter, zfs.SendOptions{
		BytesPerSecond:   h.getSpeed(req),
		Raw:              h.getRaw(req),
		CompressionLevel: h.getCompressionLevel(req),
	})
	if err != nil {
		logger.Error("zfs.http.handleStreamSnapshot: Error sending snapshot", "error", err, "bytes", counter.Count())
		if counter.Count() == 0 {
			w.WriteHeader(errorStatus(err))
		}
		return // Cannot send status code otherwise
	}
	logger.Info("zfs.http.handleStreamSnapshot: Sent snapshot", "bytes", counter.Count())
}
