package activity

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

var (
	siteRootOnce sync.Once
	siteRoot     string
)

// Site returns the caller's source location as "file:line", relative to the
// process working directory when the file lives under it. It never panics;
// an unknown location yields "".
//
//	rec.Create(activity.Message{Auth: who, Data: body, Stack: activity.Site()})
func Site() string {
	_, file, line, ok := runtime.Caller(1)
	if !ok || file == "" {
		return ""
	}
	return relativeToRoot(file) + ":" + strconv.Itoa(line)
}

func relativeToRoot(file string) string {
	siteRootOnce.Do(func() {
		if wd, err := os.Getwd(); err == nil {
			siteRoot = filepath.ToSlash(wd)
		}
	})
	file = filepath.ToSlash(file)
	if siteRoot != "" {
		if rest, ok := strings.CutPrefix(file, siteRoot+"/"); ok {
			return rest
		}
	}
	return file
}
