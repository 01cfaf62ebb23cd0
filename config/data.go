package config

import (
	"os"
	"runtime"
)

// GetDataDirectory returns where carbon keeps its config file.
func GetDataDirectory() string {
	if dir := os.Getenv("CARBON_HOME"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return appData + "\\Carbon"
		}
		return "."
	}
	home := os.Getenv("HOME")
	if home != "" {
		return home + "/.carbon"
	}
	return "."
}
