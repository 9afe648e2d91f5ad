package job

import (
	"fmt"
	"time"

	zfs "github.com/vansante/go-zfsabi"
)

const (
	defaultDatasetType          = zfs.DatasetFilesystem
	defaultSnapshotNameTemplate = "backup_%UNIXTIME%"
	defaultJobInterval          = time.Minute
)

// Config configures the runner
type Config struct {
	ParentDataset        string          `json:"ParentDataset" yaml:"ParentDataset" mapstructure:"ParentDataset" validate:"required"`
	DatasetType          zfs.DatasetType `json:"DatasetType" yaml:"DatasetType" mapstructure:"DatasetType" validate:"oneof=filesystem volume"`
	SnapshotNameTemplate string          `json:"SnapshotNameTemplate" yaml:"SnapshotNameTemplate" mapstructure:"SnapshotNameTemplate" validate:"required"`
	Interval             time.Duration   `json:"Interval" yaml:"Interval" mapstructure:"Interval" validate:"min=1s"`

	EnableSnapshotCreate  bool `json:"EnableSnapshotCreate" yaml:"EnableSnapshotCreate" mapstructure:"EnableSnapshotCreate"`
	EnableSnapshotMark    bool `json:"EnableSnapshotMark" yaml:"EnableSnapshotMark" mapstructure:"EnableSnapshotMark"`
	EnableSnapshotPrune   bool `json:"EnableSnapshotPrune" yaml:"EnableSnapshotPrune" mapstructure:"EnableSnapshotPrune"`
	EnableFilesystemPrune bool `json:"EnableFilesystemPrune" yaml:"EnableFilesystemPrune" mapstructure:"EnableFilesystemPrune"`

	// RecursiveSnapshots also snapshots every dataset below a dataset with an interval
	RecursiveSnapshots bool `json:"RecursiveSnapshots" yaml:"RecursiveSnapshots" mapstructure:"RecursiveSnapshots"`
	// RecursiveFilesystemPrune destroys filesystems marked for deletion together with everything below them
	RecursiveFilesystemPrune bool `json:"RecursiveFilesystemPrune" yaml:"RecursiveFilesystemPrune" mapstructure:"RecursiveFilesystemPrune"`
	DeferDestroy             bool `json:"DeferDestroy" yaml:"DeferDestroy" mapstructure:"DeferDestroy"`

	IgnoreSnapshotsWithoutCreatedProperty bool `json:"IgnoreSnapshotsWithoutCreatedProperty" yaml:"IgnoreSnapshotsWithoutCreatedProperty" mapstructure:"IgnoreSnapshotsWithoutCreatedProperty"`

	Properties Properties `json:"Properties" yaml:"Properties" mapstructure:"Properties"`
}

// ApplyDefaults applies all the default values to the configuration
func (c *Config) ApplyDefaults() {
	c.DatasetType = defaultDatasetType
	c.SnapshotNameTemplate = defaultSnapshotNameTemplate
	c.Interval = defaultJobInterval

	c.EnableSnapshotCreate = true
	c.EnableSnapshotMark = true
	c.EnableSnapshotPrune = true
	c.EnableFilesystemPrune = false

	c.IgnoreSnapshotsWithoutCreatedProperty = true

	c.Properties.ApplyDefaults()
}

// Properties sets the names of the custom ZFS properties to use
type Properties struct {
	Namespace string `json:"Namespace" yaml:"Namespace" mapstructure:"Namespace" validate:"required,excludes=:"`

	SnapshotIntervalMinutes  string `json:"SnapshotIntervalMinutes" yaml:"SnapshotIntervalMinutes" mapstructure:"SnapshotIntervalMinutes" validate:"required"`
	SnapshotCreatedAt        string `json:"SnapshotCreatedAt" yaml:"SnapshotCreatedAt" mapstructure:"SnapshotCreatedAt" validate:"required"`
	SnapshotRetentionCount   string `json:"SnapshotRetentionCount" yaml:"SnapshotRetentionCount" mapstructure:"SnapshotRetentionCount" validate:"required"`
	SnapshotRetentionMinutes string `json:"SnapshotRetentionMinutes" yaml:"SnapshotRetentionMinutes" mapstructure:"SnapshotRetentionMinutes" validate:"required"`
	DeleteAt                 string `json:"DeleteAt" yaml:"DeleteAt" mapstructure:"DeleteAt" validate:"required"`
}

const (
	defaultNamespace                        = "com.github.vansante"
	defaultSnapshotIntervalMinutesProperty  = "snapshot-interval-minutes"
	defaultSnapshotCreatedAtProperty        = "snapshot-created-at"
	defaultSnapshotRetentionCountProperty   = "snapshot-retention-count"
	defaultSnapshotRetentionMinutesProperty = "snapshot-retention-minutes"
	defaultDeleteAtProperty                 = "delete-at"
)

// ApplyDefaults applies all the default values to the Properties
func (p *Properties) ApplyDefaults() {
	p.Namespace = defaultNamespace

	p.SnapshotIntervalMinutes = defaultSnapshotIntervalMinutesProperty
	p.SnapshotCreatedAt = defaultSnapshotCreatedAtProperty
	p.SnapshotRetentionCount = defaultSnapshotRetentionCountProperty
	p.SnapshotRetentionMinutes = defaultSnapshotRetentionMinutesProperty
	p.DeleteAt = defaultDeleteAtProperty
}

func (p *Properties) snapshotIntervalMinutes() string {
	return fmt.Sprintf("%s:%s", p.Namespace, p.SnapshotIntervalMinutes)
}

func (p *Properties) snapshotCreatedAt() string {
	return fmt.Sprintf("%s:%s", p.Namespace, p.SnapshotCreatedAt)
}

func (p *Properties) snapshotRetentionCount() string {
	return fmt.Sprintf("%s:%s", p.Namespace, p.SnapshotRetentionCount)
}

func (p *Properties) snapshotRetentionMinutes() string {
	return fmt.Sprintf("%s:%s", p.Namespace, p.SnapshotRetentionMinutes)
}

func (p *Properties) deleteAt() string {
	return fmt.Sprintf("%s:%s", p.Namespace, p.DeleteAt)
}
