// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/Corphon/SceneIntruderGM/internal/utils"
	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 叙事引擎配置
	LLMProvider     string            `json:"llm_provider"`
	LLMConfig       map[string]string `json:"llm_config"`
	EncryptedAPIKey string            `json:"encrypted_api_key,omitempty"`

	// 玩法参数，只来自环境变量
	Gameplay GameplayConfig `json:"-"`
}

// Config 存储从环境变量读取的基础配置
type Config struct {
	Port         string
	DataDir      string
	LogDir       string
	DebugMode    bool
	LLMProvider  string
	LLMAPIKey    string
	LLMModel     string
	ConfigSecret string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnvPath("DATA_DIR", "data"),
		LogDir:       getEnvPath("LOG_DIR", "logs"),
		DebugMode:    getEnvBool("DEBUG_MODE", false),
		LLMProvider:  getEnv("LLM_PROVIDER", "anthropic"),
		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		LLMModel:     getEnv("LLM_MODEL", ""),
		ConfigSecret: getEnv("CONFIG_SECRET", ""),
	}

	if config.LLMAPIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置LLM_API_KEY，叙事引擎在配置前不可用")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}
	gameplay, err := LoadGameplay()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	llmConfig := map[string]string{"api_key": baseConfig.LLMAPIKey}
	if baseConfig.LLMModel != "" {
		llmConfig["default_model"] = baseConfig.LLMModel
	}
	currentConfig = &AppConfig{
		Port:        baseConfig.Port,
		DataDir:     baseConfig.DataDir,
		LogDir:      baseConfig.LogDir,
		DebugMode:   baseConfig.DebugMode,
		LLMProvider: baseConfig.LLMProvider,
		LLMConfig:   llmConfig,
		Gameplay:    *gameplay,
	}

	// 尝试从文件加载已保存的配置
	if data, err := os.ReadFile(configFile); err == nil {
		var savedConfig AppConfig
		if json.Unmarshal(data, &savedConfig) == nil {
			// 保留文件中的LLM设置，其余使用最新的环境配置
			savedConfig.Port = baseConfig.Port
			savedConfig.DataDir = baseConfig.DataDir
			savedConfig.LogDir = baseConfig.LogDir
			savedConfig.DebugMode = baseConfig.DebugMode
			savedConfig.Gameplay = *gameplay
			if savedConfig.LLMConfig == nil {
				savedConfig.LLMConfig = map[string]string{}
			}

			if savedConfig.EncryptedAPIKey != "" && baseConfig.ConfigSecret != "" {
				key, err := utils.Decrypt(savedConfig.EncryptedAPIKey, baseConfig.ConfigSecret)
				if err != nil {
					utils.GetLogger().Warn("解密已保存的API密钥失败", map[string]interface{}{"err": err.Error()})
				} else {
					savedConfig.LLMConfig["api_key"] = key
				}
			}
			// 如果文件中没有API密钥，使用环境变量的密钥
			if savedConfig.LLMConfig["api_key"] == "" {
				savedConfig.LLMConfig["api_key"] = baseConfig.LLMAPIKey
			}

			currentConfig = &savedConfig
		}
	}

	return saveLocked(baseConfig.ConfigSecret)
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 未初始化时返回只包含环境配置的基本配置
		baseConfig, _ := Load()
		gameplay, err := LoadGameplay()
		if err != nil {
			gameplay = DefaultGameplay()
		}
		return &AppConfig{
			Port:        baseConfig.Port,
			DataDir:     baseConfig.DataDir,
			LogDir:      baseConfig.LogDir,
			DebugMode:   baseConfig.DebugMode,
			LLMProvider: baseConfig.LLMProvider,
			LLMConfig:   map[string]string{"api_key": baseConfig.LLMAPIKey},
			Gameplay:    *gameplay,
		}
	}

	configCopy := *currentConfig
	configCopy.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		configCopy.LLMConfig[k] = v
	}
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return saveLocked(os.Getenv("CONFIG_SECRET"))
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked(os.Getenv("CONFIG_SECRET"))
}

// saveLocked 调用方需持有 configMutex；设置了密钥时API密钥只以密文落盘
func saveLocked(secret string) error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	onDisk := *currentConfig
	onDisk.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		onDisk.LLMConfig[k] = v
	}
	if secret != "" && onDisk.LLMConfig["api_key"] != "" {
		encrypted, err := utils.Encrypt(onDisk.LLMConfig["api_key"], secret)
		if err != nil {
			return fmt.Errorf("加密API密钥失败: %w", err)
		}
		onDisk.EncryptedAPIKey = encrypted
		onDisk.LLMConfig["api_key"] = ""
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}
