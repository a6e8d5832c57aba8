/*
Package kload is the image loader of a small kernel: it starts executables and links loadable modules.

# Executables

An ET_EXEC image is mapped at its link-time addresses, one contiguous run of physical pages per PT_LOAD
segment. The returned [ProcessHandle] owns those pages until [ProcessHandle.Release].

# Modules

An ET_REL i386 module is linked at load time, there is no separate linker pass:

 1. every allocated code and data section is copied into kernel heap memory,
 2. function and section symbols resolve against those copies, external symbols against the
    kernel's exported symbol table ([SymbolResolver]),
 3. R_386_32 and R_386_PC32 records from the .rel sections patch the copies in place,
 4. module_init becomes the entry of the returned [ModuleRecord].

Module memory is [Permanent]: there is no unload.

# Collaborators

Files, physical pages, page tables, the heap, the exported symbols and the call into loaded code
are injected through [Kernel]. Package hosted provides user-space implementations.

# Notes

 1. Loads are synchronous and keep no state between calls.
 2. A failed load frees everything it allocated before returning the error.
 3. [NativeInvoker] is the only code that turns an address into a call.
*/
package kload
