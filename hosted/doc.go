// Package hosted runs the kload collaborators inside an ordinary process.
//
// Physical memory is an anonymous mapping carved into page frames, the page table is a
// map from virtual pages to those frames, and the heap hands out one anonymous RWX
// mapping per block. Nothing here touches real page tables: it exists to load and link
// images from a normal user-space program and to test the loader end to end.
package hosted
