package version

import "fmt"

// Name 是程序标识，同时用于 User-Agent。
const Name = "swcache"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}

// UserAgent 返回安装阶段拉取清单资源时使用的 User-Agent。
func UserAgent() string {
	return Name + "/" + Version
}
