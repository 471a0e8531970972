package worker

import "fmt"

// FetchError 描述安装阶段某个清单资源拉取失败：网络错误或非 2xx 状态码。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
