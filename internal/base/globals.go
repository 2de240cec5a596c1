package base

// PageSize is the page size the runtime and the writers lay out for.
const PageSize = 4096

// ObjectAlignment is the alignment of every managed object.
const ObjectAlignment = 8

// LargeObjectAlignment is the alignment of objects in the large object space.
const LargeObjectAlignment = PageSize
