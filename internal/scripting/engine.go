// Package scripting wraps a gopher-lua VM for operator console commands.
// Scripts register commands against a small proxy API and the stdin console
// dispatches typed lines into them.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// PlayerInfo is the console view of one connected player.
type PlayerInfo struct {
	SessionID uint64
	Name      string
	X, Y, Z   float64
	Shard     int32
	Backends  int
}

// ShardInfo is the console view of one registered shard.
type ShardInfo struct {
	ID   int32
	Addr string
	X1   int32
	Z1   int32
	X2   int32
	Z2   int32
}

// Host is the proxy surface exposed to Lua.
type Host interface {
	Players() []PlayerInfo
	Kick(name, reason string) bool
	Switch(name string, shard int32) bool
	Shards() []ShardInfo
	Online() int
}

// Engine wraps a single gopher-lua VM for console command execution.
// Single-goroutine access only (console loop).
type Engine struct {
	vm       *lua.LState
	host     Host
	commands map[string]*lua.LFunction
	log      *zap.Logger
}

// NewEngine creates a Lua engine, installs the proxy API, and loads all
// command scripts from the given directory.
func NewEngine(scriptsDir string, host Host, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{
		vm:       vm,
		host:     host,
		commands: make(map[string]*lua.LFunction),
		log:      log,
	}
	e.installAPI()

	if err := e.loadDir(filepath.Join(scriptsDir, "commands")); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load command scripts: %w", err)
	}

	return e, nil
}

// Close releases the VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// Commands returns the registered command names.
func (e *Engine) Commands() []string {
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	return names
}

// Execute dispatches one console line: first token is the command, the rest
// are passed to the Lua handler as string arguments.
func (e *Engine) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	fn, ok := e.commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", fields[0])
	}

	args := make([]lua.LValue, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, lua.LString(f))
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, args...); err != nil {
		return fmt.Errorf("command %s: %w", fields[0], err)
	}
	return nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// installAPI publishes the proxy table into the VM.
func (e *Engine) installAPI() {
	t := e.vm.NewTable()

	e.vm.SetField(t, "register_command", e.vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		e.commands[name] = fn
		return 0
	}))

	e.vm.SetField(t, "players", e.vm.NewFunction(func(L *lua.LState) int {
		list := L.NewTable()
		for _, p := range e.host.Players() {
			row := L.NewTable()
			row.RawSetString("session", lua.LNumber(p.SessionID))
			row.RawSetString("name", lua.LString(p.Name))
			row.RawSetString("x", lua.LNumber(p.X))
			row.RawSetString("y", lua.LNumber(p.Y))
			row.RawSetString("z", lua.LNumber(p.Z))
			row.RawSetString("shard", lua.LNumber(p.Shard))
			row.RawSetString("backends", lua.LNumber(p.Backends))
			list.Append(row)
		}
		L.Push(list)
		return 1
	}))

	e.vm.SetField(t, "kick", e.vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		reason := L.OptString(2, "Kicked by console")
		L.Push(lua.LBool(e.host.Kick(name, reason)))
		return 1
	}))

	e.vm.SetField(t, "switch", e.vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		target := int32(L.CheckInt(2))
		L.Push(lua.LBool(e.host.Switch(name, target)))
		return 1
	}))

	e.vm.SetField(t, "shards", e.vm.NewFunction(func(L *lua.LState) int {
		list := L.NewTable()
		for _, s := range e.host.Shards() {
			row := L.NewTable()
			row.RawSetString("id", lua.LNumber(s.ID))
			row.RawSetString("addr", lua.LString(s.Addr))
			row.RawSetString("x1", lua.LNumber(s.X1))
			row.RawSetString("z1", lua.LNumber(s.Z1))
			row.RawSetString("x2", lua.LNumber(s.X2))
			row.RawSetString("z2", lua.LNumber(s.Z2))
			list.Append(row)
		}
		L.Push(list)
		return 1
	}))

	e.vm.SetField(t, "online", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(e.host.Online()))
		return 1
	}))

	e.vm.SetGlobal("proxy", t)
}
