/*
Package leaf is a user space loader for ELF shared objects, based on nothing but mmap.

# Underwater

 1. Parses the ELF header and program headers, maps every PT_LOAD segment into one anonymous executable mapping.
 2. Walks the dynamic segment, opens DT_NEEDED dependencies through the platform loader (dlopen) and keeps their handles.
 3. Builds the symbol table, applies RELA and eager PLT relocations, then runs the init array.
 4. Exported symbols are looked up by name and can be called or hooked with the [github.com/ZenLiuCN/leaf/hook] package.

# Notes

 1. Only little endian shared objects (ET_DYN) of the class selected at build time are accepted. 64-bit is the default, build with tag `leaf32` for 32-bit images.
 2. PT_LOAD segments must be sorted by virtual address, which is not verified: an unsorted image is silently under-allocated.
 3. Dependencies failing to load are only logged. A missing symbol surfaces as [ErrUnresolvedSymbol] during relocation.
 4. Relocations: NONE, absolute, GLOB_DAT, JUMP_SLOT, RELATIVE and IRELATIVE for aarch64, x86-64, i386 and arm. TLS relocations are not supported.
 5. An Image is not thread-safe. Load, use and release it from one goroutine or serialize access, see [github.com/ZenLiuCN/leaf/pool].
 6. [Image.Release] runs the fini array and unmaps everything, any pointer obtained from the image is invalid afterward.

# Command line tool

	go install github.com/ZenLiuCN/leaf/inspect@latest

loads a shared object and prints its status, symbols or a hook demonstration, see `inspect -h`.

# Samples

See the tests.
*/
package leaf
