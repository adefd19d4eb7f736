package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"vaultflow/pkg/models"
)

const (
	// DefaultDBPath 默认数据库路径
	DefaultDBPath = "./data/registry.db"

	// VaultsBucket 账户 -> 金库地址列表
	VaultsBucket = "vaults"
	// MetaBucket 存储元数据
	MetaBucket = "meta"

	// 元数据键
	SchemaVersionKey = "schema_version"
	LastUpdateKey    = "last_update_time"

	schemaVersion = "1"
)

// Store 基于 BoltDB 的金库登记存储，每个账户一个键，值为地址 JSON 数组
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex
}

// OpenStore 打开登记存储
func OpenStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开登记数据库失败: %w", err)
	}

	s := &Store{db: db, logger: logger, dbPath: dbPath}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("金库登记存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *Store) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(VaultsBucket)); err != nil {
			return fmt.Errorf("创建金库存储桶失败: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(MetaBucket))
		if err != nil {
			return fmt.Errorf("创建元数据存储桶失败: %w", err)
		}
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			return meta.Put([]byte(SchemaVersionKey), []byte(schemaVersion))
		}
		return nil
	})
}

// decodeList 解析地址列表；格式错误按空列表处理，返回值 ok=false 表示需要修复
func decodeList(data []byte) ([]string, bool) {
	if data == nil {
		return nil, true
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false
	}
	return models.Normalize(list), true
}

// Get 读取账户的金库地址列表
func (s *Store) Get(account string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(VaultsBucket)).Get([]byte(account))
		decoded, ok := decodeList(data)
		if !ok {
			s.logger.WithField("account", account).Warn("金库列表格式错误，按空列表处理")
		}
		list = decoded
		return nil
	})
	return list, err
}

// Put 覆盖写入账户的金库地址列表，空列表删除该键
func (s *Store) Put(account string, addresses []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return putList(tx, account, models.Normalize(addresses))
	})
}

// Add 将地址加入账户列表，并从其他账户中移除该地址。返回是否新增
func (s *Store) Add(account, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(VaultsBucket))

		// 先收集其他账户中的同一地址，遍历期间不能修改存储桶
		owners := make(map[string][]string)
		err := bucket.ForEach(func(k, v []byte) error {
			if string(k) == account {
				return nil
			}
			list, _ := decodeList(v)
			if contains(list, address) {
				owners[string(k)] = without(list, address)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for other, list := range owners {
			s.logger.WithFields(logrus.Fields{
				"address": address,
				"from":    other,
				"to":      account,
			}).Info("金库地址转移到新账户")
			if err := putList(tx, other, list); err != nil {
				return err
			}
		}

		list, _ := decodeList(bucket.Get([]byte(account)))
		if contains(list, address) {
			return nil
		}
		added = true
		return putList(tx, account, append(list, address))
	})
	return added, err
}

// Remove 从账户列表中删除地址。返回是否删除
func (s *Store) Remove(account, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		list, _ := decodeList(tx.Bucket([]byte(VaultsBucket)).Get([]byte(account)))
		if !contains(list, address) {
			return nil
		}
		removed = true
		return putList(tx, account, without(list, address))
	})
	return removed, err
}

// Snapshot 导出完整登记记录
func (s *Store) Snapshot() (models.RegistryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := make(models.RegistryRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(VaultsBucket)).ForEach(func(k, v []byte) error {
			if list, _ := decodeList(v); len(list) > 0 {
				record[string(k)] = list
			}
			return nil
		})
	})
	return record, err
}

// GetStats 获取统计信息
func (s *Store) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"db_path": s.dbPath}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = s.db.View(func(tx *bolt.Tx) error {
		accounts, vaults := 0, 0
		_ = tx.Bucket([]byte(VaultsBucket)).ForEach(func(k, v []byte) error {
			list, _ := decodeList(v)
			accounts++
			vaults += len(list)
			return nil
		})
		stats["accounts"] = accounts
		stats["vaults"] = vaults
		if data := tx.Bucket([]byte(MetaBucket)).Get([]byte(LastUpdateKey)); data != nil {
			var last time.Time
			if err := json.Unmarshal(data, &last); err == nil {
				stats["last_update_time"] = last.Format(time.RFC3339)
			}
		}
		return nil
	})
	return stats
}

// Close 关闭存储
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭金库登记存储")
		return s.db.Close()
	}
	return nil
}

func putList(tx *bolt.Tx, account string, list []string) error {
	bucket := tx.Bucket([]byte(VaultsBucket))
	if len(list) == 0 {
		if err := bucket.Delete([]byte(account)); err != nil {
			return fmt.Errorf("删除金库列表失败: %w", err)
		}
	} else {
		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("序列化金库列表失败: %w", err)
		}
		if err := bucket.Put([]byte(account), data); err != nil {
			return fmt.Errorf("保存金库列表失败: %w", err)
		}
	}

	if data, err := json.Marshal(time.Now()); err == nil {
		_ = tx.Bucket([]byte(MetaBucket)).Put([]byte(LastUpdateKey), data)
	}
	return nil
}

func contains(list []string, address string) bool {
	for _, a := range list {
		if a == address {
			return true
		}
	}
	return false
}

func without(list []string, address string) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != address {
			out = append(out, a)
		}
	}
	return out
}
