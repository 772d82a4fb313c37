package watcher

import (
	"encoding/json"
	"fmt"

	"github.com/talus-io/talus/pkg/storage"
)

// JobLister returns a Lister over the Job collection of store.
func JobLister(store storage.Store) Lister {
	return func() (map[string][]byte, error) {
		jobs, err := store.ListJobs()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		snapshot := make(map[string][]byte, len(jobs))
		for _, job := range jobs {
			payload, err := json.Marshal(job)
			if err != nil {
				return nil, fmt.Errorf("marshal job %s: %w", job.ID, err)
			}
			snapshot[job.ID] = payload
		}
		return snapshot, nil
	}
}

// ImageLister returns a Lister over the Image collection of store.
func ImageLister(store storage.Store) Lister {
	return func() (map[string][]byte, error) {
		images, err := store.ListImages()
		if err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		snapshot := make(map[string][]byte, len(images))
		for _, image := range images {
			payload, err := json.Marshal(image)
			if err != nil {
				return nil, fmt.Errorf("marshal image %s: %w", image.ID, err)
			}
			snapshot[image.ID] = payload
		}
		return snapshot, nil
	}
}

// SlaveLister returns a Lister over the Slave collection of store.
func SlaveLister(store storage.Store) Lister {
	return func() (map[string][]byte, error) {
		slaves, err := store.ListSlaves()
		if err != nil {
			return nil, fmt.Errorf("list slaves: %w", err)
		}
		snapshot := make(map[string][]byte, len(slaves))
		for _, slave := range slaves {
			payload, err := json.Marshal(slave)
			if err != nil {
				return nil, fmt.Errorf("marshal slave %s: %w", slave.ID, err)
			}
			snapshot[slave.ID] = payload
		}
		return snapshot, nil
	}
}
