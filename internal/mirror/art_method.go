package mirror

import (
	"github.com/you-not-fish/dex2oat/internal/dex"
)

// ArtMethod is the native record of one method. It lives outside the
// managed heap; a method is identified by the address of its record, which
// never moves.
type ArtMethod struct {
	// DeclaringClass is a GC root and is updated when the class moves.
	DeclaringClass Ref
	AccessFlags    uint32
	DexFile        *dex.File
	CodeItemOffset uint32
	DexMethodIndex uint32
	// MethodIndex is the vtable or interface method table index.
	MethodIndex  uint16
	HotnessCount uint16

	// EntryPoint is the quick code address once the method is linked into
	// an oat file; zero means the method has no compiled code.
	EntryPoint uint64
	// Data is the JNI entry point for native methods, or the canonical
	// interface method's native address for copied methods in an image.
	Data uint64

	// canonical is the interface method a copied default method was
	// copied from.
	canonical *ArtMethod
}

// NewCopiedMethod returns a copy of the default method src installed into
// another class. Breakpoints and deoptimization refer to src.
func NewCopiedMethod(src *ArtMethod, declaringClass Ref, methodIndex uint16) *ArtMethod {
	m := *src
	m.DeclaringClass = declaringClass
	m.MethodIndex = methodIndex
	m.AccessFlags |= dex.AccCopied
	m.canonical = src.CanonicalMethod()
	return &m
}

// CanonicalMethod returns the method a copied method stands for, or m.
func (m *ArtMethod) CanonicalMethod() *ArtMethod {
	if m.canonical != nil {
		return m.canonical
	}
	return m
}

// IsStatic reports whether m is static.
func (m *ArtMethod) IsStatic() bool { return m.AccessFlags&dex.AccStatic != 0 }

// IsNative reports whether m is native.
func (m *ArtMethod) IsNative() bool { return m.AccessFlags&dex.AccNative != 0 }

// IsAbstract reports whether m is abstract.
func (m *ArtMethod) IsAbstract() bool { return m.AccessFlags&dex.AccAbstract != 0 }

// IsConstructor reports whether m is a constructor.
func (m *ArtMethod) IsConstructor() bool { return m.AccessFlags&dex.AccConstructor != 0 }

// IsDirect reports whether m is dispatched without a vtable.
func (m *ArtMethod) IsDirect() bool {
	return m.AccessFlags&(dex.AccStatic|dex.AccPrivate|dex.AccConstructor) != 0
}

// IsDefault reports whether m is a default interface method or a copy of
// one.
func (m *ArtMethod) IsDefault() bool { return m.AccessFlags&dex.AccDefault != 0 }

// IsCopied reports whether m was copied into a class that inherits it.
func (m *ArtMethod) IsCopied() bool { return m.AccessFlags&dex.AccCopied != 0 }

// IsRuntimeMethod reports whether m is a special runtime method without
// dex backing.
func (m *ArtMethod) IsRuntimeMethod() bool { return m.DexFile == nil }

// HasCompiledCode reports whether m runs native code.
func (m *ArtMethod) HasCompiledCode() bool { return m.EntryPoint != 0 }

// Name returns the simple name.
func (m *ArtMethod) Name() string {
	if m.DexFile == nil {
		return "<runtime method>"
	}
	return m.DexFile.MethodName(m.DexMethodIndex)
}

// PrettyMethod returns "Lpkg/C;->name(sig)ret".
func (m *ArtMethod) PrettyMethod() string {
	if m.DexFile == nil {
		return "<runtime method>"
	}
	return m.DexFile.PrettyMethod(m.DexMethodIndex)
}

// Shorty returns the method's shorty.
func (m *ArtMethod) Shorty() string {
	if m.DexFile == nil {
		return "V"
	}
	return m.DexFile.MethodShorty(m.DexMethodIndex)
}

// CodeItem returns the method's bytecode, or nil.
func (m *ArtMethod) CodeItem() (*dex.CodeItem, error) {
	if m.DexFile == nil || m.CodeItemOffset == 0 {
		return nil, nil
	}
	return m.DexFile.CodeItem(m.CodeItemOffset)
}
