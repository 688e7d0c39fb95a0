// Package starhook implements the fallback packet and query hooks of the
// agent with a starlark script.
//
// The script may define two functions:
//
//	def handle_packet(pkt): ...
//	def handle_query(pkt): ...
//
// Both receive the whole packet payload as a string. Returning a string
// sends it as the reply, returning None leaves the packet unsupported.
// handle_query also receives the monitor commands the agent does not
// implement, as qRcmd packets.
package starhook

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/stub"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

const (
	packetFnName = "handle_packet"
	queryFnName  = "handle_query"

	hexBuiltinName   = "hex_encode"
	unhexBuiltinName = "hex_decode"
	logBuiltinName   = "log"

	// maxSteps bounds the work a single hook call may do, the target is
	// stopped while it runs.
	maxSteps = 1000000
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env holds a loaded hook script.
type Env struct {
	mu      sync.Mutex
	path    string
	env     starlark.StringDict
	globals starlark.StringDict
	out     io.Writer
	log     logflags.Logger
}

// Load executes the script at path. Source can be nil, a string, a []byte
// or an io.Reader, if it is nil the file at path is read. Output of print
// and log goes to out.
func Load(path string, source interface{}, out io.Writer) (*Env, error) {
	env := &Env{path: path, out: out, log: logflags.HooksLogger()}
	if env.out == nil {
		env.out = io.Discard
	}
	env.predeclare()

	globals, err := starlark.ExecFile(env.newThread(), path, source, env.env)
	if err != nil {
		return nil, fmt.Errorf("loading hook script %s: %w", path, err)
	}
	for _, name := range []string{packetFnName, queryFnName} {
		if v, ok := globals[name]; ok {
			if _, ok := v.(starlark.Callable); !ok {
				return nil, fmt.Errorf("%s: %s is a %s, not a function", path, name, v.Type())
			}
		}
	}
	env.globals = globals
	return env, nil
}

func (env *Env) predeclare() {
	env.env = starlark.StringDict{
		"time": startime.Module,
	}

	env.env[hexBuiltinName] = starlark.NewBuiltin(hexBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		return starlark.String(hex.EncodeToString([]byte(s))), nil
	})

	env.env[unhexBuiltinName] = starlark.NewBuiltin(unhexBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		buf, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		return starlark.String(buf), nil
	})

	env.env[logBuiltinName] = starlark.NewBuiltin(logBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
			return nil, err
		}
		env.log.Infof("%s: %s", env.path, msg)
		return starlark.None, nil
	})
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name:  env.path,
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) },
	}
	thread.SetMaxExecutionSteps(maxSteps)
	return thread
}

// PacketHook returns the hook calling handle_packet, nil if the script does
// not define it.
func (env *Env) PacketHook() stub.PacketHook {
	return env.hook(packetFnName)
}

// QueryHook returns the hook calling handle_query, nil if the script does
// not define it.
func (env *Env) QueryHook() stub.PacketHook {
	return env.hook(queryFnName)
}

func (env *Env) hook(name string) stub.PacketHook {
	fn, ok := env.globals[name].(starlark.Callable)
	if !ok {
		return nil
	}
	return func(pkt []byte, reply *wire.Builder) bool {
		return env.call(fn, pkt, reply)
	}
}

// call runs fn on pkt. Script errors are logged and answered with an
// error reply.
func (env *Env) call(fn starlark.Callable, pkt []byte, reply *wire.Builder) bool {
	env.mu.Lock()
	defer env.mu.Unlock()

	v, err := starlark.Call(env.newThread(), fn, starlark.Tuple{starlark.String(pkt)}, nil)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			env.log.Errorf("%s failed on %q: %s", fn.Name(), pkt, evalErr.Backtrace())
		} else {
			env.log.Errorf("%s failed on %q: %v", fn.Name(), pkt, err)
		}
		reply.Error(3)
		return true
	}
	switch v := v.(type) {
	case starlark.NoneType:
		return false
	case starlark.String:
		reply.String(string(v))
		return true
	case starlark.Bytes:
		reply.String(string(v))
		return true
	}
	env.log.Errorf("%s returned a %s, expected a string or None", fn.Name(), v.Type())
	reply.Error(3)
	return true
}
