// internal/storage/file_storage.go
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const (
	sessionsDir    = "sessions"
	stateFileName  = "state.json"
	eventsFileName = "events.jsonl"
)

// FileStorage 基于JSON文件的会话存储：sessions/<id>/state.json 与 events.jsonl
type FileStorage struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 状态文件缓存，按修改时间和大小失效
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	logger *utils.Logger
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
	ModTime   time.Time
	Size      int64
}

// NewFileStorage 创建文件存储服务
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, sessionsDir), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	return &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 16,
		logger:       utils.GetLogger(),
	}, nil
}

// 获取文件锁
func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (fs *FileStorage) sessionDir(sessionID string) (string, error) {
	clean := filepath.Base(filepath.Clean(sessionID))
	if sessionID == "" || clean != sessionID || clean == "." || clean == ".." {
		return "", errors.NewValidationError(fmt.Sprintf("invalid session id %q", sessionID), nil)
	}
	return filepath.Join(fs.BaseDir, sessionsDir, clean), nil
}

// SaveSession 原子写入会话状态
func (fs *FileStorage) SaveSession(ctx context.Context, state *models.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := fs.sessionDir(state.SessionID)
	if err != nil {
		return err
	}
	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	return fs.writeAtomic(dir, stateFileName, content)
}

// LoadSession 读取会话状态，不存在时返回 not_found
func (fs *FileStorage) LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := fs.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	content, err := fs.readCached(filepath.Join(dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), err)
		}
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}

	state := models.NewSessionState(sessionID)
	if err := json.Unmarshal(content, state); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	return state, nil
}

// SaveEvents 以 JSON Lines 追加事件，已归档的序号会被跳过
func (fs *FileStorage) SaveEvents(ctx context.Context, sessionID string, events []models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	dir, err := fs.sessionDir(sessionID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, eventsFileName)

	lock := fs.getFileLock(path)
	lock.Lock()
	defer lock.Unlock()

	last, err := lastArchivedSeq(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if ev.Seq <= last {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		last = ev.Seq
	}
	if buf.Len() == 0 {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("打开事件文件失败: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return f.Sync()
}

// LoadEvents 读取 afterSeq 之后的事件，limit<=0 表示不限
func (fs *FileStorage) LoadEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := fs.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, eventsFileName)

	lock := fs.getFileLock(path)
	lock.RLock()
	defer lock.RUnlock()

	var out []models.Event
	err = scanEvents(path, func(ev models.Event) bool {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// ListSessions 列出已保存的会话ID
func (fs *FileStorage) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, sessionsDir))
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteSession 删除会话目录及其内容
func (fs *FileStorage) DeleteSession(sessionID string) error {
	dir, err := fs.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("删除目录失败: %w", err)
	}
	fs.invalidateCache(filepath.Join(dir, stateFileName))
	return nil
}

// writeAtomic 先写临时文件再重命名
func (fs *FileStorage) writeAtomic(dir, filename string, content []byte) error {
	fullPath := filepath.Join(dir, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			fs.logger.Warn("failed to clean up temporary file", map[string]interface{}{
				"path": tempPath,
				"err":  removeErr.Error(),
			})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// readCached 读取文件；缓存未过期且文件未被修改时直接返回缓存
func (fs *FileStorage) readCached(fullPath string) ([]byte, error) {
	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, err
	}

	fs.cacheMutex.RLock()
	entry, ok := fs.cache[fullPath]
	fs.cacheMutex.RUnlock()
	if ok && time.Since(entry.Timestamp) < fs.cacheExpiry &&
		entry.ModTime.Equal(info.ModTime()) && entry.Size == info.Size() {
		return entry.Data, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, err
	}
	fs.updateCache(fullPath, content, info)
	return content, nil
}

// 缓存管理
func (fs *FileStorage) updateCache(path string, data []byte, info os.FileInfo) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{
		Data:      data,
		Timestamp: time.Now(),
		ModTime:   info.ModTime(),
		Size:      info.Size(),
	}

	// 删除最老的条目
	if len(fs.cache) > fs.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for key, entry := range fs.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}
		delete(fs.cache, oldestKey)
	}
}

// invalidateCache 清除指定路径的缓存
func (fs *FileStorage) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()
	delete(fs.cache, path)
}

func lastArchivedSeq(path string) (uint64, error) {
	var last uint64
	err := scanEvents(path, func(ev models.Event) bool {
		if ev.Seq > last {
			last = ev.Seq
		}
		return true
	})
	return last, err
}

// scanEvents 逐行解析事件文件，文件不存在视为空；fn 返回 false 时停止
func scanEvents(path string, fn func(models.Event) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("打开事件文件失败: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("解析事件失败 (第%d行): %w", line, err)
		}
		if !fn(ev) {
			return nil
		}
	}
	return scanner.Err()
}
