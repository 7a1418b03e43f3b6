package ccproc

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef unsigned long mjit_value_t;
typedef mjit_value_t (*mjit_func_t)(void *ec, void *cfp);

static void *mjit_dlopen(const char *path) {
	return dlopen(path, RTLD_NOW | RTLD_LOCAL);
}

static void *mjit_dlsym(void *handle, const char *symbol) {
	return dlsym(handle, symbol);
}

static int mjit_dlclose(void *handle) {
	return dlclose(handle);
}

static mjit_value_t mjit_call(mjit_func_t fn, void *ec, void *cfp) {
	return fn(ec, cfp);
}
*/
import "C"

import (
	"fmt"
	"io"
	"unsafe"
)

// RealLoader resolves compiled units by dlopen-ing the shared object the
// compiler produced and dlsym-ing the requested entry symbol. Go's own
// plugin.Open only loads Go-ABI shared objects, so a C shared object built
// by an external compiler has to be loaded this way instead.
type RealLoader struct{}

// handle wraps a dlopen'd library so the unit can release it on unload.
type handle struct {
	h unsafe.Pointer
}

// Close implements io.Closer, calling dlclose.
func (h *handle) Close() error {
	if h.h == nil {
		return nil
	}
	if C.mjit_dlclose(h.h) != 0 {
		return fmt.Errorf("ccproc: dlclose failed")
	}
	h.h = nil
	return nil
}

// Load implements Loader.
func (RealLoader) Load(path, symbol string) (NativeFunc, io.Closer, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	h := C.mjit_dlopen(cPath)
	if h == nil {
		return nil, nil, fmt.Errorf("ccproc: dlopen %s failed", path)
	}

	cSym := C.CString(symbol)
	defer C.free(unsafe.Pointer(cSym))
	sym := C.mjit_dlsym(h, cSym)
	if sym == nil {
		C.mjit_dlclose(h)
		return nil, nil, fmt.Errorf("ccproc: symbol %s not found in %s", symbol, path)
	}

	fn := C.mjit_func_t(sym)
	native := func(ec, cfp unsafe.Pointer) Value {
		return Value(C.mjit_call(fn, ec, cfp))
	}
	return native, &handle{h: h}, nil
}
