package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Persister 持久化写入能力
// 分段数据、索引和消费者偏移量都通过它落盘
type Persister interface {
	// Append 追加数据到文件末尾，文件不存在时创建
	Append(path string, data []byte) error
	// Overwrite 整体替换文件内容，写入要么完整生效要么不生效
	Overwrite(path string, data []byte) error
	// Delete 删除文件，文件不存在视为成功
	Delete(path string) error
}

// FilePersister 只写入操作系统缓存，不强制刷盘
type FilePersister struct{}

// FileWithSyncPersister 每次写入在返回前调用 fsync
// 返回成功的写入在进程崩溃或掉电后依然存在
type FileWithSyncPersister struct{}

// NewPersister 根据是否强制刷盘选择实现
func NewPersister(enforceSync bool) Persister {
	if enforceSync {
		return FileWithSyncPersister{}
	}
	return FilePersister{}
}

func (FilePersister) Append(path string, data []byte) error {
	return appendFile(path, data, false)
}

func (FilePersister) Overwrite(path string, data []byte) error {
	return overwriteFile(path, data, false)
}

func (FilePersister) Delete(path string) error {
	return deleteFile(path)
}

func (FileWithSyncPersister) Append(path string, data []byte) error {
	return appendFile(path, data, true)
}

func (FileWithSyncPersister) Overwrite(path string, data []byte) error {
	return overwriteFile(path, data, true)
}

func (FileWithSyncPersister) Delete(path string) error {
	return deleteFile(path)
}

func appendFile(path string, data []byte, sync bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开文件失败: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("写入文件失败: %w", err)
	}

	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("同步文件失败: %w", err)
		}
	}

	return f.Close()
}

// overwriteFile 先写临时文件再重命名，避免留下写了一半的文件
func overwriteFile(path string, data []byte, sync bool) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}

	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("同步临时文件失败: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换文件失败: %w", err)
	}

	if sync {
		return syncDir(filepath.Dir(path))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("打开目录失败: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("同步目录失败: %w", err)
	}
	return nil
}

func deleteFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}
