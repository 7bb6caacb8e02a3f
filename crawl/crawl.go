// Package crawl finds the saved patches under a storage folder.
package crawl

import (
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/gridjoin/utils"
)

// ManifestFile marks a directory as a saved patch.
const ManifestFile = "manifest.yaml"

const DefaultMaxPosixErrors = 1000

type PatchInfo struct {
	Name     string    `json:"name"`
	FilePath string    `json:"file_path"`
	INode    uint64    `json:"inode"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	ID       string    `json:"id"`
}

func GetPatchInfo(name, dirPath string, fStat os.FileInfo) *PatchInfo {
	var inode uint64
	if stat, ok := fStat.Sys().(*syscall.Stat_t); ok {
		inode = uint64(stat.Ino)
	}
	mtime := fStat.ModTime().UTC()
	signature := fmt.Sprintf("%s%d%d%d", dirPath, inode, fStat.Size(), mtime.UnixNano())
	return &PatchInfo{
		Name:     name,
		FilePath: dirPath,
		INode:    inode,
		Size:     fStat.Size(),
		MTime:    mtime,
		ID:       fmt.Sprintf("%x", md5.Sum([]byte(signature))),
	}
}

// ParsePatternExpression compiles a patch filter such as
// "name =~ '^eopatch-1'". Valid variables are name and path.
func ParsePatternExpression(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	validVariables := map[string]struct{}{"path": {}, "name": {}}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are name and path", varName)
			}
		}
	}
	return expr, nil
}

// PatchCrawler walks a directory tree with up to conc goroutines. A
// directory holding a manifest is reported as a patch and not descended
// into; staging directories are skipped.
type PatchCrawler struct {
	Outputs       chan *PatchInfo
	Error         chan error
	wg            sync.WaitGroup
	concLimit     chan struct{}
	pattern       *goeval.EvaluableExpression
	followSymlink bool
	root          string
}

func NewPatchCrawler(conc int, pattern *goeval.EvaluableExpression, followSymlink bool) *PatchCrawler {
	if conc < 1 {
		conc = 1
	}
	return &PatchCrawler{
		Outputs:       make(chan *PatchInfo, 4096),
		Error:         make(chan error, 100),
		concLimit:     make(chan struct{}, conc),
		pattern:       pattern,
		followSymlink: followSymlink,
	}
}

// Crawl returns the patches under rootDir sorted by name.
func (pc *PatchCrawler) Crawl(rootDir string) ([]*PatchInfo, error) {
	absRootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	pc.root = absRootDir

	var patches []*PatchInfo
	outputDone := make(chan struct{})
	go func() {
		for info := range pc.Outputs {
			patches = append(patches, info)
		}
		close(outputDone)
	}()

	pc.wg.Add(1)
	pc.concLimit <- struct{}{}
	pc.crawlDir(absRootDir, false)
	pc.wg.Wait()

	close(pc.Outputs)
	<-outputDone
	sort.Slice(patches, func(i, j int) bool { return patches[i].Name < patches[j].Name })

	close(pc.Error)
	var errs []string
	for err := range pc.Error {
		errs = append(errs, err.Error())
		if len(errs) >= DefaultMaxPosixErrors {
			errs = append(errs, " ... too many errors")
			break
		}
	}
	if len(errs) > 0 {
		return patches, errors.New(strings.Join(errs, "\n"))
	}
	return patches, nil
}

func (pc *PatchCrawler) sendError(err error) {
	select {
	case pc.Error <- err:
	default:
	}
}

func (pc *PatchCrawler) crawlDir(currPath string, serialised bool) {
	defer pc.wg.Done()
	if !serialised {
		defer func() { <-pc.concLimit }()
	}

	if fStat, err := os.Stat(path.Join(currPath, ManifestFile)); err == nil && fStat.Mode().IsRegular() {
		if currPath != pc.root {
			pc.emit(currPath, fStat)
		}
		return
	}

	entries, err := os.ReadDir(currPath)
	if err != nil {
		pc.sendError(fmt.Errorf("Could not read dir: %v", err))
		return
	}

	for _, entry := range entries {
		dirPath := path.Join(currPath, entry.Name())
		if strings.HasPrefix(entry.Name(), utils.ScratchPrefix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			if !pc.followSymlink {
				continue
			}
			fStat, err := os.Stat(dirPath)
			if err != nil {
				pc.sendError(err)
				continue
			}
			isDir = fStat.IsDir()
		}
		if !isDir {
			continue
		}

		pc.wg.Add(1)
		select {
		case pc.concLimit <- struct{}{}:
			go pc.crawlDir(dirPath, false)
		default:
			pc.crawlDir(dirPath, true)
		}
	}
}

func (pc *PatchCrawler) emit(dirPath string, manifest os.FileInfo) {
	name, err := filepath.Rel(pc.root, dirPath)
	if err != nil {
		pc.sendError(err)
		return
	}
	name = filepath.ToSlash(name)

	if pc.pattern != nil {
		result, err := pc.evaluatePatternExpression(name, dirPath)
		if err != nil {
			pc.sendError(err)
			return
		}
		if !result {
			return
		}
	}
	pc.Outputs <- GetPatchInfo(name, dirPath, manifest)
}

func (pc *PatchCrawler) evaluatePatternExpression(name, dirPath string) (bool, error) {
	parameters := map[string]interface{}{"name": name, "path": dirPath}
	result, err := pc.pattern.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("pattern expression: %v", err)
	}

	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("pattern expression: result '%v' is not boolean", result)
	}
	return val, nil
}

// PatchNames crawls rootDir and returns the names of the patches matching
// pattern.
func PatchNames(rootDir string, conc int, pattern string) ([]string, error) {
	expr, err := ParsePatternExpression(pattern)
	if err != nil {
		return nil, err
	}
	patches, err := NewPatchCrawler(conc, expr, false).Crawl(rootDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(patches))
	for i, p := range patches {
		names[i] = p.Name
	}
	return names, nil
}
