package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"proxyprobe/internal/shared/types"
)

// Load 返回默认配置，叠加 fileName 指向的 ini 文件(可为空)以及环境变量。
func Load(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if fileName != "" {
		if err := LoadIni(cfg, fileName); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadIni 把 ini 文件映射到 cfg 上，文件中没有出现的键保持原值。
// source 可以是文件名，也可以是 []byte 形式的内容。
func LoadIni(cfg *types.Config, source interface{}) error {
	iniFile, err := ini.Load(source)
	if err != nil {
		return fmt.Errorf("failed to parse ini: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map ini to config: %w", err)
	}
	return nil
}

// LoadBytes 用于没有文件系统配置的调用方(bridge)。
func LoadBytes(content []byte) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if len(content) > 0 {
		if err := LoadIni(cfg, content); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.ProbeConf.TimeoutMs, "PROXYPROBE_TIMEOUT_MS")
	overrideFromEnvInt(&cfg.ProbeConf.Concurrency, "PROXYPROBE_CONCURRENCY")
	overrideFromEnvInt(&cfg.WebConf.Port, "PROXYPROBE_WEB_PORT")
	overrideFromEnvString(&cfg.LogConf.Level, "PROXYPROBE_LOG_LEVEL")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
