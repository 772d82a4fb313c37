package types

import "time"

// OSType identifies the guest operating system family of an Image.
type OSType string

const (
	OSTypeWindows OSType = "windows"
	OSTypeLinux   OSType = "linux"
)

// OS identifies a guest operating system. Immutable after creation.
type OS struct {
	Name    string
	Version string
	Type    OSType
	Arch    string
}

// ImageStatusName is the lifecycle state of an Image.
type ImageStatusName string

const (
	ImageStatusImporting   ImageStatusName = "importing"
	ImageStatusConfiguring ImageStatusName = "configuring"
	ImageStatusCreating    ImageStatusName = "creating"
	ImageStatusReady       ImageStatusName = "ready"
	ImageStatusDeleting    ImageStatusName = "deleting"
)

// ImageStatus embeds the current lifecycle state plus an optional
// human-readable description, e.g. "image not ready".
type ImageStatus struct {
	Name ImageStatusName
	Desc string
}

// Image is a bootable VM disk template. Only a Ready image may back a
// running Job.
type Image struct {
	ID         string
	Name       string
	OS         OS
	BaseImage  string // id of the parent Image, empty if none
	Username   string
	Password   string // encrypted at rest via pkg/secrets
	Tags       []string
	Status     ImageStatus
	MD5        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ready reports whether the image may back a running job.
func (i *Image) Ready() bool {
	return i.Status.Name == ImageStatusReady
}

// CodeType distinguishes a standalone tool from a shared component it
// depends on.
type CodeType string

const (
	CodeTypeTool      CodeType = "tool"
	CodeTypeComponent CodeType = "component"
)

// Code identifies a piece of tool or component source served by the
// external code-cache endpoint. Referenced by Task.
type Code struct {
	ID       string
	Name     string
	Type     CodeType
	Bases    []string // ids of Code this depends on
	Params   []string
	Desc     string
	Tags     []string
}

// Task is a reusable template for jobs: which tool runs, against which
// image, with which default parameters.
type Task struct {
	ID            string
	Name          string
	Tool          string // Code id
	Image         string // Image id, optional
	Params        map[string]any
	Limit         int
	VMMaxSeconds  int
	Network       string
	Tags          []string
}

// JobStatusName is a state in the Job lifecycle state machine.
type JobStatusName string

const (
	JobStatusRun        JobStatusName = "run"
	JobStatusRunning    JobStatusName = "running"
	JobStatusCancel     JobStatusName = "cancel"
	JobStatusCancelling JobStatusName = "cancelling"
	JobStatusStop       JobStatusName = "stop"
	JobStatusStopping   JobStatusName = "stopping"
	JobStatusCancelled  JobStatusName = "cancelled"
	JobStatusFinished   JobStatusName = "finished"
)

// Terminal reports whether a status is a terminal state for a Job.
func (s JobStatusName) Terminal() bool {
	return s == JobStatusCancelled || s == JobStatusFinished
}

// JobStatus embeds the current Job state plus an optional description,
// used e.g. for "image not ready" cancellations.
type JobStatus struct {
	Name JobStatusName
	Desc string
}

// JobTimestamps records when a Job entered each lifecycle milestone.
type JobTimestamps struct {
	Created    time.Time
	Running    time.Time
	Cancelled  time.Time
	Finished   time.Time
}

// JobError is a single error or log entry attached to a Job. The shape
// is reused for both job.errors and job.logs.
type JobError struct {
	Message   string
	Backtrace string
	Logs      []string
	At        time.Time
}

// Job is one user-submitted unit of recurring work, dripped onto the bus
// as a stream of drops until it reaches a terminal state.
type Job struct {
	ID       string
	Name     string
	Task     string // Task id
	Image    string // Image id
	Params   map[string]any
	Status   JobStatus
	Priority int // clamped to [1,100]; non-integer input normalizes to 50
	Queue    string
	Limit    int // -1 means run until explicitly cancelled
	Progress int
	VMMax    int // wall-clock ceiling in seconds for a single VM
	Network  string
	Debug    bool
	Errors   []JobError
	Logs     []JobError
	Timestamps JobTimestamps
	Tags     []string
}

// NormalizePriority clamps p to [1,100]; any value outside that range
// (or a non-integer source value, handled by the caller before this is
// reached) normalizes to 50.
func NormalizePriority(p int) int {
	if p < 1 || p > 100 {
		return 50
	}
	return p
}

// SlaveVM describes one VM currently tracked by a Slave, surfaced on its
// periodic status tick.
type SlaveVM struct {
	Job       string
	Idx       int
	Tool      string
	VNCPort   int
	StartTime time.Time
}

// SlaveStatusName reflects whether a Slave is responding to heartbeats.
type SlaveStatusName string

const (
	SlaveStatusActive SlaveStatusName = "active"
	SlaveStatusStale  SlaveStatusName = "stale"
)

// Slave is a worker process, created on its first heartbeat and updated
// on every subsequent status tick.
type Slave struct {
	ID           string
	UUID         string
	Hostname     string
	IP           string
	MaxVMs       int
	RunningVMs   int
	TotalJobsRun int
	VMs          []SlaveVM
	Status       SlaveStatusName
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Result is one append-only record of tool output attached to a Job.
// Downstream processors (outside the core) may prune these later.
type Result struct {
	ID        string
	Job       string
	Type      string
	Tool      string
	Data      map[string]any
	CreatedAt time.Time
	Tags      []string
}

// FileRef points to one file a tool emitted into a FileSet.
type FileRef struct {
	Name string
	Path string
	Size int64
}

// FileSet collects the files a tool emits for a Job. Exactly one default
// set is created per Job when its JobHandler is constructed, and it is
// deleted if still empty when the Job reaches a terminal state.
type FileSet struct {
	ID        string
	Name      string
	Files     []FileRef
	Job       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Tags      []string
}

// Master is a per-queue snapshot of backlog ordering, republished by the
// controller on every drip-feed tick so operators can observe current
// priority-queue contents without a live controller connection.
type Master struct {
	Queue     string
	Handlers  []MasterHandlerSnapshot
	UpdatedAt time.Time
}

// MasterHandlerSnapshot is one JobHandler's published position within a
// Master queue snapshot.
type MasterHandlerSnapshot struct {
	JobID     string
	Priority  int
	DripCount int
}

// ImageRef identifies one ancestor in an Image's backing-file chain by
// id and expected MD5, enough for a worker to ensure it is present
// locally without a database round-trip.
type ImageRef struct {
	ID  string `json:"id"`
	MD5 string `json:"md5"`
}

// Drop is one unit of work published by the controller onto a bus queue.
// Wire shape per the job drop contract: controller -> worker.
type Drop struct {
	Job            string         `json:"job"`
	Idx            int            `json:"idx"`
	Debug          bool           `json:"debug"`
	Image          string         `json:"image"`
	ImageUsername  string         `json:"image_username"`
	ImagePassword  string         `json:"image_password"`
	OSType         OSType         `json:"os_type"`
	Tool           string         `json:"tool"`
	Params         map[string]any `json:"params"`
	FileSet        string         `json:"fileset"`
	Network        string         `json:"network"`
	VMMax          int            `json:"vm_max"`
	// BackingImages lists image's ancestors, root-most first, resolved
	// once by the controller at drip time so the worker never needs its
	// own database lookup to boot a derived image.
	BackingImages []ImageRef `json:"backing_images,omitempty"`
}

// SlaveStatusMessageType enumerates the message types a worker publishes
// onto the slave-status queue.
type SlaveStatusMessageType string

const (
	SlaveMessageNew       SlaveStatusMessageType = "new"
	SlaveMessageStatus    SlaveStatusMessageType = "status"
	SlaveMessageHeartbeat SlaveStatusMessageType = "heartbeat"
)

// SlaveStatusMessage is published by a worker onto the slave_status
// queue. Not every field is populated for every Type.
type SlaveStatusMessage struct {
	Type         SlaveStatusMessageType `json:"type"`
	UUID         string                 `json:"uuid"`
	IP           string                 `json:"ip,omitempty"`
	Hostname     string                 `json:"hostname,omitempty"`
	RunningVMs   int                    `json:"running_vms,omitempty"`
	TotalJobsRun int                    `json:"total_jobs_run,omitempty"`
	VMs          []SlaveVM              `json:"vms,omitempty"`
}

// CodeCredentials is delivered verbatim to the guest via the config ISO;
// the core never interprets its contents.
type CodeCredentials struct {
	Loc      string `json:"loc"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConfigMessage is the controller's reply on a slave's personal queue,
// completing the handshake before it may consume shared job queues.
type ConfigMessage struct {
	Type     string          `json:"type"` // "config"
	DB       string          `json:"db"`
	Code     CodeCredentials `json:"code"`
	ImageURL string          `json:"image_url"`
}

// CancelMessage is published to the broadcast exchange to ask every
// slave to terminate any VMHandler matching Job.
type CancelMessage struct {
	Type string `json:"type"` // "cancel"
	Job  string `json:"job"`
}

// JobStatusMessageType enumerates the message types a worker publishes
// onto the job_status queue.
type JobStatusMessageType string

const (
	JobStatusMessageProgress JobStatusMessageType = "progress"
	JobStatusMessageResult   JobStatusMessageType = "result"
	JobStatusMessageError    JobStatusMessageType = "error"
	JobStatusMessageLog      JobStatusMessageType = "log"
)

// JobStatusMessage is published by a worker onto the job_status queue.
type JobStatusMessage struct {
	Type   JobStatusMessageType `json:"type"`
	Job    string               `json:"job"`
	Idx    int                  `json:"idx"`
	Tool   string               `json:"tool"`
	Amt    int                  `json:"amt,omitempty"`  // for type=progress
	Data   map[string]any       `json:"data,omitempty"` // for type=result/error/log
}

// GuestMessageType enumerates the message types a guest sends over the
// guest-comms TCP channel.
type GuestMessageType string

const (
	GuestMessageStarted  GuestMessageType = "started"
	GuestMessageProgress GuestMessageType = "progress"
	GuestMessageResult   GuestMessageType = "result"
	GuestMessageError    GuestMessageType = "error"
	GuestMessageLogs     GuestMessageType = "logs"
	GuestMessageFinished GuestMessageType = "finished"
)

// GuestMessage is one frame on the guest-host comms protocol: a
// big-endian u32 length prefix followed by this JSON payload.
type GuestMessage struct {
	Job  string           `json:"job"`
	Idx  int              `json:"idx"`
	Tool string           `json:"tool"`
	Type GuestMessageType `json:"type"`
	Data any              `json:"data,omitempty"`
}

// GuestErrorData is the Data payload shape when Type == error.
type GuestErrorData struct {
	Message   string   `json:"message"`
	Backtrace string   `json:"backtrace"`
	Logs      []string `json:"logs"`
}

// GuestResultData is the Data payload shape when Type == result.
type GuestResultData struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}
