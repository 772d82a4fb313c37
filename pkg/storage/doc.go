/*
Package storage provides BoltDB-backed state persistence for Talus.

The storage package implements the Store interface using bbolt as the
underlying database, giving ACID transactions over images, code, tasks,
jobs, slaves, results, filesets, and per-queue master snapshots. All data
is serialized as JSON and stored in one bucket per entity.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/talus.db                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ images   (Image ID)        │             │          │
	│  │  │ code     (Code ID)         │             │          │
	│  │  │ tasks    (Task ID)         │             │          │
	│  │  │ jobs     (Job ID)          │             │          │
	│  │  │ slaves   (Slave ID)        │             │          │
	│  │  │ results  (Result ID)       │             │          │
	│  │  │ filesets (FileSet ID)      │             │          │
	│  │  │ masters  (queue name)      │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - concurrent reads       │          │
	│  │  - Write: db.Update() - serialized writes   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

This store serves three roles: it is the shared datastore pkg/watcher
polls for Job/Image transitions, the backing store behind every
pkg/controller CRUD method, and the directory that hosts Raft's own
log/stable stores for controller HA.

# Usage

	store, err := storage.NewBoltStore("/var/lib/talus")
	if err != nil { ... }
	defer store.Close()

	job := &types.Job{ID: "job-1", Status: types.JobStatus{Name: types.JobStatusRun}}
	if err := store.CreateJob(job); err != nil { ... }

	running, err := store.ListJobsByStatus(types.JobStatusRunning)

# Design Patterns

Upsert-via-Create: UpdateX methods are implemented as CreateX, since a
bolt Put on an existing key already overwrites it. ListXByY methods load
the full bucket and filter in Go rather than maintain secondary indexes,
favoring simplicity over index-maintenance complexity at this data
scale.

# See Also

  - bbolt documentation: https://github.com/etcd-io/bbolt
*/
package storage
