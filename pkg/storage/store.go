package storage

import (
	"github.com/talus-io/talus/pkg/types"
)

// Store defines the interface for Talus's persisted entities. It is
// implemented by BoltStore and backs pkg/watcher's polling change feed,
// and pkg/controller's JobManager, JobWatcher, SlaveManager and Raft FSM.
type Store interface {
	// Images
	CreateImage(image *types.Image) error
	GetImage(id string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	UpdateImage(image *types.Image) error
	DeleteImage(id string) error

	// Code
	CreateCode(code *types.Code) error
	GetCode(id string) (*types.Code, error)
	ListCode() ([]*types.Code, error)
	UpdateCode(code *types.Code) error
	DeleteCode(id string) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatusName) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Slaves
	CreateSlave(slave *types.Slave) error
	GetSlave(id string) (*types.Slave, error)
	GetSlaveByUUID(uuid string) (*types.Slave, error)
	ListSlaves() ([]*types.Slave, error)
	UpdateSlave(slave *types.Slave) error
	DeleteSlave(id string) error

	// Results
	CreateResult(result *types.Result) error
	GetResult(id string) (*types.Result, error)
	ListResultsByJob(jobID string) ([]*types.Result, error)
	DeleteResult(id string) error

	// FileSets
	CreateFileSet(fs *types.FileSet) error
	GetFileSet(id string) (*types.FileSet, error)
	GetFileSetByJob(jobID string) (*types.FileSet, error)
	UpdateFileSet(fs *types.FileSet) error
	DeleteFileSet(id string) error

	// Master snapshots, one per queue
	SaveMaster(master *types.Master) error
	GetMaster(queue string) (*types.Master, error)
	ListMasters() ([]*types.Master, error)

	// Utility
	Close() error
}
