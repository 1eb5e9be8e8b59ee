package leaf

// RTLD_DEFAULT pseudo handle of dyld.
const rtldDefault = ^uintptr(1)
