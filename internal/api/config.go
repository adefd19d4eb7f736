package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OverrideStore 数据库中的配置覆盖项
type OverrideStore interface {
	ListConfigs(section string) (map[string]string, error)
	GetConfig(section, key string) (string, error)
	UpdateConfig(section, key, value string) error
}

// ConfigManager 配置覆盖管理，修改在下次启动时生效
type ConfigManager struct {
	store  OverrideStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store OverrideStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// GetConfig 获取配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	section := c.Param("section")
	key := c.Query("key")

	if key == "" {
		configs, err := cm.store.ListConfigs(section)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "获取配置失败",
				"message": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"section": section,
			"configs": configs,
		})
		return
	}

	value, err := cm.store.GetConfig(section, key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "配置不存在",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"section": section,
		"key":     key,
		"value":   value,
	})
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	section := c.Param("section")

	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateConfig(section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"section": section,
		"key":     req.Key,
	}).Info("配置覆盖已更新")

	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功，重启后生效",
		"config": gin.H{
			"section": section,
			"key":     req.Key,
			"value":   req.Value,
		},
	})
}
