package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/talus-io/talus/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketImages  = []byte("images")
	bucketCode    = []byte("code")
	bucketTasks   = []byte("tasks")
	bucketJobs    = []byte("jobs")
	bucketSlaves  = []byte("slaves")
	bucketResults = []byte("results")
	bucketFileSets = []byte("filesets")
	bucketMasters = []byte("masters")
)

// BoltStore implements Store using an embedded bbolt database, one
// bucket per entity, JSON-marshaled values keyed by id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under
// dataDir and ensures all entity buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "talus.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketImages,
			bucketCode,
			bucketTasks,
			bucketJobs,
			bucketSlaves,
			bucketResults,
			bucketFileSets,
			bucketMasters,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Image operations

func (s *BoltStore) CreateImage(image *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return b.Put([]byte(image.ID), data)
	})
}

func (s *BoltStore) GetImage(id string) (*types.Image, error) {
	var image types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("image not found: %s", id)
		}
		return json.Unmarshal(data, &image)
	})
	return &image, err
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			images = append(images, &image)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) UpdateImage(image *types.Image) error {
	return s.CreateImage(image) // upsert
}

func (s *BoltStore) DeleteImage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.Delete([]byte(id))
	})
}

// Code operations

func (s *BoltStore) CreateCode(code *types.Code) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		data, err := json.Marshal(code)
		if err != nil {
			return err
		}
		return b.Put([]byte(code.ID), data)
	})
}

func (s *BoltStore) GetCode(id string) (*types.Code, error) {
	var code types.Code
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("code not found: %s", id)
		}
		return json.Unmarshal(data, &code)
	})
	return &code, err
}

func (s *BoltStore) ListCode() ([]*types.Code, error) {
	var codes []*types.Code
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		return b.ForEach(func(k, v []byte) error {
			var code types.Code
			if err := json.Unmarshal(v, &code); err != nil {
				return err
			}
			codes = append(codes, &code)
			return nil
		})
	})
	return codes, err
}

func (s *BoltStore) UpdateCode(code *types.Code) error {
	return s.CreateCode(code)
}

func (s *BoltStore) DeleteCode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		return b.Delete([]byte(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	return &task, err
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	return &job, err
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatusName) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status.Name == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}

// Slave operations

func (s *BoltStore) CreateSlave(slave *types.Slave) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlaves)
		data, err := json.Marshal(slave)
		if err != nil {
			return err
		}
		return b.Put([]byte(slave.ID), data)
	})
}

func (s *BoltStore) GetSlave(id string) (*types.Slave, error) {
	var slave types.Slave
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlaves)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("slave not found: %s", id)
		}
		return json.Unmarshal(data, &slave)
	})
	return &slave, err
}

func (s *BoltStore) GetSlaveByUUID(uuid string) (*types.Slave, error) {
	var found *types.Slave
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlaves)
		return b.ForEach(func(k, v []byte) error {
			var slave types.Slave
			if err := json.Unmarshal(v, &slave); err != nil {
				return err
			}
			if slave.UUID == uuid {
				found = &slave
			}
			return nil
		})
	})
	if err == nil && found == nil {
		return nil, fmt.Errorf("slave not found: %s", uuid)
	}
	return found, err
}

func (s *BoltStore) ListSlaves() ([]*types.Slave, error) {
	var slaves []*types.Slave
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlaves)
		return b.ForEach(func(k, v []byte) error {
			var slave types.Slave
			if err := json.Unmarshal(v, &slave); err != nil {
				return err
			}
			slaves = append(slaves, &slave)
			return nil
		})
	})
	return slaves, err
}

func (s *BoltStore) UpdateSlave(slave *types.Slave) error {
	return s.CreateSlave(slave)
}

func (s *BoltStore) DeleteSlave(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlaves)
		return b.Delete([]byte(id))
	})
}

// Result operations

func (s *BoltStore) CreateResult(result *types.Result) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put([]byte(result.ID), data)
	})
}

func (s *BoltStore) GetResult(id string) (*types.Result, error) {
	var result types.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("result not found: %s", id)
		}
		return json.Unmarshal(data, &result)
	})
	return &result, err
}

func (s *BoltStore) ListResultsByJob(jobID string) ([]*types.Result, error) {
	var results []*types.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		return b.ForEach(func(k, v []byte) error {
			var result types.Result
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			if result.Job == jobID {
				results = append(results, &result)
			}
			return nil
		})
	})
	return results, err
}

func (s *BoltStore) DeleteResult(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		return b.Delete([]byte(id))
	})
}

// FileSet operations

func (s *BoltStore) CreateFileSet(fs *types.FileSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileSets)
		data, err := json.Marshal(fs)
		if err != nil {
			return err
		}
		return b.Put([]byte(fs.ID), data)
	})
}

func (s *BoltStore) GetFileSet(id string) (*types.FileSet, error) {
	var fs types.FileSet
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileSets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("fileset not found: %s", id)
		}
		return json.Unmarshal(data, &fs)
	})
	return &fs, err
}

func (s *BoltStore) GetFileSetByJob(jobID string) (*types.FileSet, error) {
	var found *types.FileSet
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileSets)
		return b.ForEach(func(k, v []byte) error {
			var fs types.FileSet
			if err := json.Unmarshal(v, &fs); err != nil {
				return err
			}
			if fs.Job == jobID {
				found = &fs
			}
			return nil
		})
	})
	if err == nil && found == nil {
		return nil, fmt.Errorf("fileset not found for job: %s", jobID)
	}
	return found, err
}

func (s *BoltStore) UpdateFileSet(fs *types.FileSet) error {
	return s.CreateFileSet(fs)
}

func (s *BoltStore) DeleteFileSet(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileSets)
		return b.Delete([]byte(id))
	})
}

// Master snapshot operations, keyed by queue name.

func (s *BoltStore) SaveMaster(master *types.Master) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMasters)
		data, err := json.Marshal(master)
		if err != nil {
			return err
		}
		return b.Put([]byte(master.Queue), data)
	})
}

func (s *BoltStore) GetMaster(queue string) (*types.Master, error) {
	var master types.Master
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMasters)
		data := b.Get([]byte(queue))
		if data == nil {
			return fmt.Errorf("master snapshot not found: %s", queue)
		}
		return json.Unmarshal(data, &master)
	})
	return &master, err
}

func (s *BoltStore) ListMasters() ([]*types.Master, error) {
	var masters []*types.Master
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMasters)
		return b.ForEach(func(k, v []byte) error {
			var master types.Master
			if err := json.Unmarshal(v, &master); err != nil {
				return err
			}
			masters = append(masters, &master)
			return nil
		})
	})
	return masters, err
}
