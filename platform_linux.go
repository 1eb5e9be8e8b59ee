package leaf

// RTLD_DEFAULT pseudo handle of glibc and musl.
const rtldDefault uintptr = 0
