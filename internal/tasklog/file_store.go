package tasklog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore 把日志以 JSON Lines 形式追加写入本地文件，启动时回放文件恢复内存索引。
type FileStore struct {
	*MemoryStore
	path string
}

// NewFileStore 打开或创建日志文件。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("任务日志路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	store := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 先写文件，成功后再更新内存索引。
func (s *FileStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := entry.Clone()
	s.assign(&candidate)

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.seq--
		return fmt.Errorf("打开任务日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(candidate)
	if err != nil {
		s.seq--
		return fmt.Errorf("序列化任务日志失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		s.seq--
		return fmt.Errorf("写入任务日志失败: %w", err)
	}

	*entry = candidate
	s.entries = append(s.entries, candidate.Clone())
	return nil
}

func (s *FileStore) loadFromDisk() error {
	file, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取任务日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		s.entries = append(s.entries, entry)
		if entry.Seq > s.seq {
			s.seq = entry.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析任务日志失败: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
