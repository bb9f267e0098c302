package clr

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

var ErrUnresolved = errors.New("assembly could not be resolved")

const libraryPattern = "*.[dD][lL][lL]"

// Context plays the role of the runtime load context: it knows which library
// files can satisfy an assembly reference and keeps the loaded ones by name.
type Context struct {
	BaseDir string
	Debug   bool

	// lower case assembly name -> file
	paths  map[string]string
	loaded map[string]*Assembly
}

// NewContext scans baseDir and then baseDir/depDir for libraries.
// When both contain the same name the copy directly under baseDir wins.
func NewContext(baseDir, depDir string) (*Context, error) {
	c := &Context{
		BaseDir: baseDir,
		paths:   make(map[string]string),
		loaded:  make(map[string]*Assembly),
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "base directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%v is not a directory", baseDir)
	}

	dirs := []string{baseDir}
	if depDir != "" {
		dirs = append(dirs, filepath.Join(baseDir, depDir))
	}
	for _, dir := range dirs {
		err = c.scan(dir)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Context) scan(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) || err == nil && !info.IsDir() {
		return nil
	}
	if err != nil {
		return err
	}

	matches, err := doublestar.Glob(os.DirFS(dir), libraryPattern)
	if err != nil {
		return errors.Wrapf(err, "scan %v", dir)
	}
	sort.Strings(matches)
	for _, m := range matches {
		name := strings.ToLower(strings.TrimSuffix(m, filepath.Ext(m)))
		if _, ok := c.paths[name]; ok {
			continue
		}
		c.paths[name] = filepath.Join(dir, m)
	}
	return nil
}

// Lookup returns the file that would satisfy a reference to the named assembly.
func (c *Context) Lookup(name string) (string, bool) {
	path, ok := c.paths[strings.ToLower(name)]
	return path, ok
}

// Libraries lists the discovered library names.
func (c *Context) Libraries() []string {
	ret := make([]string, 0, len(c.paths))
	for name := range c.paths {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// LoadFrom loads a library by path and registers it under its assembly name.
func (c *Context) LoadFrom(path string) (*Assembly, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	asm, err := Open(c, path, data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %v", path)
	}

	key := strings.ToLower(asm.Name)
	if old, ok := c.loaded[key]; ok {
		return old, nil
	}
	c.loaded[key] = asm
	if c.Debug {
		log.Printf("[debug] loaded %v from %v", asm.Name, path)
	}
	return asm, nil
}

// IsFramework reports whether the assembly belongs to the runtime itself.
// Those are never loaded from the game directory, their types are known by name.
func IsFramework(name string) bool {
	name = strings.ToLower(name)
	return name == "mscorlib" || name == "netstandard" || name == "system" || strings.HasPrefix(name, "system.")
}

// Resolve satisfies an assembly reference from the loaded set or the discovered files.
func (c *Context) Resolve(name string) (*Assembly, error) {
	if IsFramework(name) {
		return nil, errors.Wrapf(ErrUnresolved, "%v is a framework assembly", name)
	}
	key := strings.ToLower(name)
	if asm, ok := c.loaded[key]; ok {
		return asm, nil
	}
	path, ok := c.paths[key]
	if !ok {
		return nil, errors.Wrap(ErrUnresolved, name)
	}
	asm, err := c.LoadFrom(path)
	if errors.Cause(err) == ErrNotCLI {
		return nil, errors.Wrapf(ErrUnresolved, "%v is a native library", path)
	}
	if err != nil {
		return nil, err
	}
	// the file name and the assembly name may differ
	c.loaded[key] = asm
	return asm, nil
}
