// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kebairia/drivebackup/internal/storage"
)

type entry struct {
	obj    storage.Object
	folder string
	data   []byte
}

// Memory is a concurrency-safe fake remote store. Every upload advances a
// logical clock by one second so modification times are strictly ordered.
type Memory struct {
	mu      sync.Mutex
	folders map[string]string
	objects map[string]*entry
	seq     int
	clock   time.Time

	// FailUpload, when set, is consulted before each upload.
	FailUpload func(name string) error
	// FailList, when set, is consulted before each listing.
	FailList func(typeTag string) error

	FolderResolves int
	FolderCreates  int
	Uploads        int
	Deletes        int
}

func NewMemory() *Memory {
	return &Memory{
		folders: make(map[string]string),
		objects: make(map[string]*entry),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *Memory) ResolveFolder(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FolderResolves++
	if id, ok := m.folders[name]; ok {
		return id, nil
	}
	id := m.nextID("folder")
	m.folders[name] = id
	m.FolderCreates++
	return id, nil
}

func (m *Memory) Upload(_ context.Context, localPath, name, folderID string) (string, error) {
	m.mu.Lock()
	fail := m.FailUpload
	m.mu.Unlock()
	if fail != nil {
		if err := fail(name); err != nil {
			return "", fmt.Errorf("%w: upload %s: %v", storage.ErrRemote, name, err)
		}
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	id := m.nextID("file")
	m.objects[id] = &entry{
		obj:    storage.Object{ID: id, Name: name, ModifiedTime: m.clock, Size: int64(len(data))},
		folder: folderID,
		data:   data,
	}
	m.Uploads++
	return id, nil
}

// Put stores an object directly with the given modification time.
func (m *Memory) Put(name, folderID string, modified time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("file")
	m.objects[id] = &entry{
		obj:    storage.Object{ID: id, Name: name, ModifiedTime: modified},
		folder: folderID,
	}
	return id
}

func (m *Memory) List(_ context.Context, typeTag, folderID string) ([]storage.Object, error) {
	m.mu.Lock()
	fail := m.FailList
	m.mu.Unlock()
	if fail != nil {
		if err := fail(typeTag); err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", storage.ErrRemote, typeTag, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Object
	for _, e := range m.objects {
		if e.folder == folderID && strings.Contains(e.obj.Name, typeTag) {
			out = append(out, e.obj)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ModifiedTime.Before(out[j].ModifiedTime)
	})
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; ok {
		delete(m.objects, id)
		m.Deletes++
	}
	return nil
}

// Names returns the names of all objects in folderID, oldest first.
func (m *Memory) Names(folderID string) []string {
	objs, _ := m.List(context.Background(), "", folderID)
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		names = append(names, o.Name)
	}
	return names
}

// Data returns the uploaded bytes of id.
func (m *Memory) Data(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Folder returns the id of a folder created by ResolveFolder.
func (m *Memory) Folder(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.folders[name]
	return id, ok
}
